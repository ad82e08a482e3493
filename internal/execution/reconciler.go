package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/broker"
	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/store"
)

// reconcileWait is how long one sweep listens for settlement frames after
// arming every contract stream.
const reconcileWait = 15 * time.Second

// ReconcilerStore is the durable surface the reconciler needs.
type ReconcilerStore interface {
	ListUsersWithOpenTrades(ctx context.Context) ([]string, error)
	ListOpenTradesByUser(ctx context.Context, userID string) ([]store.TradeRow, error)
	SettleTrade(ctx context.Context, tradeID, status string, pnl float64, exitPrice *float64, settledAt time.Time) error
}

// Reconciler sweeps OPEN trade rows whose in-process settlement wait timed
// out: it reopens a broker session per user and asks the broker for each
// contract's terminal state.
type Reconciler struct {
	log     zerolog.Logger
	store   ReconcilerStore
	creds   store.CredentialSource
	factory SessionFactory
}

// NewReconciler wires a reconciler.
func NewReconciler(st ReconcilerStore, creds store.CredentialSource, factory SessionFactory) *Reconciler {
	return &Reconciler{
		log:     config.NewLogger("reconciler"),
		store:   st,
		creds:   creds,
		factory: factory,
	}
}

// Run performs one full sweep across all users with OPEN rows. Per-user
// failures are logged and do not stop the sweep.
func (r *Reconciler) Run(ctx context.Context) error {
	users, err := r.store.ListUsersWithOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users for reconciliation: %w", err)
	}
	for _, userID := range users {
		if err := r.ReconcileUser(ctx, userID); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("User reconciliation failed")
		}
	}
	return nil
}

// ReconcileUser settles a single user's OPEN rows against the broker.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string) error {
	open, err := r.store.ListOpenTradesByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to list open trades: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	token, err := r.creds.GetToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to resolve token: %w", err)
	}
	if token == "" {
		return fmt.Errorf("user %s has no linked broker account", userID)
	}

	session, err := r.factory()
	if err != nil {
		return fmt.Errorf("failed to create broker session: %w", err)
	}
	defer func() { _ = session.Disconnect() }()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = session.Connect(connectCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := session.Authorize(ctx, token); err != nil {
		return fmt.Errorf("failed to authorize: %w", err)
	}

	byContract := make(map[string]store.TradeRow, len(open))
	for _, tr := range open {
		if tr.ContractID == "" {
			continue
		}
		byContract[tr.ContractID] = tr
		if err := session.MonitorContract(ctx, tr.ContractID); err != nil {
			r.log.Warn().Err(err).
				Str("trade_id", tr.ID).
				Str("contract_id", tr.ContractID).
				Msg("Failed to query contract state")
		}
	}
	if len(byContract) == 0 {
		return nil
	}

	timer := time.NewTimer(reconcileWait)
	defer timer.Stop()

	for len(byContract) > 0 {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return nil
			}
			if ev.Kind != broker.EventSettled || ev.Settlement == nil {
				continue
			}
			tr, tracked := byContract[ev.Settlement.ContractID]
			if !tracked {
				continue
			}
			delete(byContract, ev.Settlement.ContractID)
			r.applySettlement(ctx, tr, ev.Settlement)
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Reconciler) applySettlement(ctx context.Context, tr store.TradeRow, s *broker.Settlement) {
	status := store.TradeRowLost
	if s.Outcome == broker.OutcomeWin {
		status = store.TradeRowWon
	}
	exit := s.SellPrice
	if err := r.store.SettleTrade(ctx, tr.ID, status, s.PnL, &exit, time.Now().UTC()); err != nil {
		r.log.Error().Err(err).Str("trade_id", tr.ID).Msg("Failed to persist reconciled settlement")
		return
	}
	r.log.Info().
		Str("trade_id", tr.ID).
		Str("contract_id", s.ContractID).
		Str("status", status).
		Float64("pnl", s.PnL).
		Msg("Trade reconciled")
}
