package execution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/broker"
	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/events"
	"github.com/optiqlabs/tradecore/internal/metrics"
	"github.com/optiqlabs/tradecore/internal/store"
	"github.com/optiqlabs/tradecore/internal/types"
)

// connectTimeout bounds the per-order broker connect.
const connectTimeout = 5 * time.Second

// BrokerSession is the slice of the broker client one order needs. A fresh
// session is created per order and never shared.
type BrokerSession interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Authorize(ctx context.Context, token string) error
	Propose(ctx context.Context, params broker.ProposeParams) (*broker.Proposal, error)
	Buy(ctx context.Context, proposalID string, maxPrice float64) (*broker.BuyResult, error)
	MonitorContract(ctx context.Context, contractID string) error
	Events() <-chan broker.Event
}

// SessionFactory creates one broker session per order.
type SessionFactory func() (BrokerSession, error)

// TradeStore is the durable side of the executor. Satisfied by *store.DB.
type TradeStore interface {
	InsertTrade(ctx context.Context, tr *store.TradeRow) error
	SettleTrade(ctx context.Context, tradeID, status string, pnl float64, exitPrice *float64, settledAt time.Time) error
}

// MemoryCapture records executed trades for downstream learning. Optional;
// failures never reach the trade flow.
type MemoryCapture interface {
	CaptureTrade(ctx context.Context, result types.TradeResult) error
}

// Executor turns approved risk checks into broker orders and follows them
// to settlement.
type Executor struct {
	cfg     config.ExecutionConfig
	log     zerolog.Logger
	gate    *Gate
	factory SessionFactory
	creds   store.CredentialSource
	trades  TradeStore
	emitter events.Emitter
	memory  MemoryCapture
}

// NewExecutor wires the execution core. trades, emitter and memory may be
// nil; the corresponding steps are then skipped.
func NewExecutor(cfg config.ExecutionConfig, gate *Gate, factory SessionFactory, creds store.CredentialSource, trades TradeStore, emitter events.Emitter, memory MemoryCapture) *Executor {
	return &Executor{
		cfg:     cfg,
		log:     config.NewLogger("execution"),
		gate:    gate,
		factory: factory,
		creds:   creds,
		trades:  trades,
		emitter: emitter,
		memory:  memory,
	}
}

// HandleRiskCheck is the bus entry point. Rejected checks and duplicate
// approvals are dropped; duplicates only log.
func (e *Executor) HandleRiskCheck(ctx context.Context, check types.RiskCheck) *types.TradeResult {
	if !check.Approved() {
		return nil
	}
	key := IdempotencyKey(check)
	if !e.gate.Claim(ctx, key) {
		e.log.Info().
			Str("user_id", check.UserID).
			Str("market", check.Signal.Market).
			Str("key", key).
			Msg("Duplicate approval dropped")
		return nil
	}
	return e.Execute(ctx, check)
}

// Execute runs the full order lifecycle for one approved check: propose,
// buy, persist, monitor, settle. The broker session is released on every
// exit path.
func (e *Executor) Execute(ctx context.Context, check types.RiskCheck) *types.TradeResult {
	result := &types.TradeResult{
		TradeID:        uuid.NewString(),
		UserID:         check.UserID,
		SessionID:      check.SessionID,
		Market:         check.Signal.Market,
		RiskConfidence: check.Signal.Confidence,
		ExecutedAt:     time.Now().UTC(),
	}
	olog := config.NewOrderLogger(result.TradeID, check.UserID, check.Signal.Market)

	token, err := e.creds.GetToken(ctx, check.UserID)
	if err != nil || token == "" {
		if err != nil {
			olog.Error().Err(err).Msg("Failed to resolve broker token")
		}
		return e.fail(result, "NO_BROKER_ACCOUNT")
	}

	session, err := e.factory()
	if err != nil {
		olog.Error().Err(err).Msg("Failed to create broker session")
		return e.fail(result, "SESSION_UNAVAILABLE")
	}
	defer func() {
		if derr := session.Disconnect(); derr != nil {
			olog.Warn().Err(derr).Msg("Broker session disconnect failed")
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = session.Connect(connectCtx)
	cancel()
	if err != nil {
		olog.Error().Err(err).Msg("Broker connect failed")
		return e.fail(result, failureReason(err))
	}

	if err := session.Authorize(ctx, token); err != nil {
		olog.Error().Err(err).Msg("Broker authorize failed")
		return e.fail(result, failureReason(err))
	}

	stake := check.Stake
	if stake <= 0 {
		stake = StakeFor(e.cfg.DefaultStake, check.Signal)
	}
	duration := DurationFor(e.cfg.DefaultDuration, check.Signal)

	proposal, err := session.Propose(ctx, broker.ProposeParams{
		Market:       check.Signal.Market,
		ContractType: string(check.Signal.Type),
		Stake:        stake,
		Duration:     duration.Value,
		DurationUnit: duration.Unit,
	})
	if err != nil {
		olog.Error().Err(err).Msg("Proposal failed")
		return e.fail(result, failureReason(err))
	}

	buy, err := session.Buy(ctx, proposal.ID, proposal.AskPrice)
	if err != nil {
		olog.Error().Err(err).Msg("Buy failed")
		return e.fail(result, failureReason(err))
	}

	result.Status = types.TradeSubmitted
	result.ContractID = buy.ContractID
	result.EntryPrice = buy.BuyPrice
	result.BrokerRef = buy.Longcode
	e.persistOpen(ctx, result, check, stake, olog)

	metrics.Default().Trades.WithLabelValues("submitted").Inc()
	e.emit(events.TopicTradeExecuted, *result)
	olog.Info().
		Str("contract_id", buy.ContractID).
		Float64("stake", stake).
		Float64("entry_price", buy.BuyPrice).
		Msg("Trade submitted")

	e.capture(ctx, *result, olog)

	settled := e.awaitSettlement(ctx, session, buy.ContractID, olog)
	if settled == nil {
		// The row stays OPEN for the reconciler; no settled event here.
		olog.Warn().Str("contract_id", buy.ContractID).Msg("Settlement wait timed out")
		return result
	}

	now := time.Now().UTC()
	result.SettledAt = &now
	result.PnL = settled.PnL
	rowStatus := store.TradeRowLost
	result.Status = types.TradeLost
	if settled.Outcome == broker.OutcomeWin {
		result.Status = types.TradeWon
		rowStatus = store.TradeRowWon
	}

	if e.trades != nil {
		exit := settled.SellPrice
		if err := e.trades.SettleTrade(ctx, result.TradeID, rowStatus, settled.PnL, &exit, now); err != nil {
			olog.Error().Err(err).Msg("Failed to persist settlement")
		}
	}

	metrics.Default().Trades.WithLabelValues(string(result.Status)).Inc()
	e.emit(events.TopicTradeSettled, *result)
	olog.Info().
		Str("status", string(result.Status)).
		Float64("pnl", result.PnL).
		Msg("Trade settled")

	e.capture(ctx, *result, olog)
	return result
}

// fail finalizes a pre-buy failure: synthetic FAILED result, zero PnL.
func (e *Executor) fail(result *types.TradeResult, reason string) *types.TradeResult {
	result.Status = types.TradeFailed
	result.PnL = 0
	result.Reason = reason
	metrics.Default().Trades.WithLabelValues("failed").Inc()
	e.emit(events.TopicTradeExecuted, *result)
	return result
}

// persistOpen writes the OPEN row. Persistence failures are logged only.
func (e *Executor) persistOpen(ctx context.Context, result *types.TradeResult, check types.RiskCheck, stake float64, olog zerolog.Logger) {
	if e.trades == nil {
		return
	}
	err := e.trades.InsertTrade(ctx, &store.TradeRow{
		ID:         result.TradeID,
		UserID:     result.UserID,
		SessionID:  result.SessionID,
		Market:     result.Market,
		ContractID: result.ContractID,
		Direction:  check.Signal.Type,
		Status:     store.TradeRowOpen,
		Stake:      stake,
		EntryPrice: result.EntryPrice,
		Confidence: check.Signal.Confidence,
		ExecutedAt: result.ExecutedAt,
	})
	if err != nil {
		olog.Error().Err(err).Msg("Failed to persist open trade")
	}
}

// awaitSettlement arms the contract stream and waits for its settlement
// within the configured timeout. Returns nil on timeout or cancellation.
func (e *Executor) awaitSettlement(ctx context.Context, session BrokerSession, contractID string, olog zerolog.Logger) *broker.Settlement {
	if err := session.MonitorContract(ctx, contractID); err != nil {
		olog.Error().Err(err).Msg("Failed to monitor contract")
		return nil
	}

	timeout := time.Duration(e.cfg.SettlementTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return nil
			}
			if ev.Kind == broker.EventSettled && ev.Settlement != nil && ev.Settlement.ContractID == contractID {
				return ev.Settlement
			}
			if ev.Kind == broker.EventDisconnected {
				return nil
			}
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// capture hands the result to the memory layer. Never propagates errors.
func (e *Executor) capture(ctx context.Context, result types.TradeResult, olog zerolog.Logger) {
	if e.memory == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			olog.Warn().Interface("panic", r).Msg("Memory capture panicked")
		}
	}()
	if err := e.memory.CaptureTrade(ctx, result); err != nil {
		olog.Warn().Err(err).Msg("Memory capture failed")
	}
}

func (e *Executor) emit(topic events.Topic, result types.TradeResult) {
	if e.emitter != nil {
		e.emitter.Emit(topic, result)
	}
}

// failureReason maps an error to the reason carried on a FAILED result.
func failureReason(err error) string {
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return string(apiErr.Code)
	}
	switch {
	case errors.Is(err, broker.ErrRequestTimeout):
		return "REQUEST_TIMEOUT"
	case errors.Is(err, broker.ErrCircuitOpen):
		return "CIRCUIT_OPEN"
	case errors.Is(err, broker.ErrConnectionClosed), errors.Is(err, broker.ErrNotConnected):
		return "DISCONNECTED"
	case errors.Is(err, context.DeadlineExceeded):
		return "CONNECT_TIMEOUT"
	}
	return "UNKNOWN"
}
