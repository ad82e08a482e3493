package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/optiqlabs/tradecore/internal/types"
)

// Trade row statuses. OPEN rows await settlement; the reconciler sweeps
// those that outlived the in-process settlement wait.
const (
	TradeRowOpen   = "OPEN"
	TradeRowWon    = "WON"
	TradeRowLost   = "LOST"
	TradeRowFailed = "FAILED"
)

// TradeRow is the persisted form of one trade attempt.
type TradeRow struct {
	ID         string
	UserID     string
	SessionID  string
	Market     string
	ContractID string
	Direction  types.SignalType
	Status     string
	Stake      float64
	EntryPrice float64
	ExitPrice  *float64
	PnL        float64
	Confidence float64
	ExecutedAt time.Time
	SettledAt  *time.Time
}

// InsertTrade persists a freshly bought contract as OPEN.
func (db *DB) InsertTrade(ctx context.Context, tr *TradeRow) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.Status == "" {
		tr.Status = TradeRowOpen
	}
	if tr.ExecutedAt.IsZero() {
		tr.ExecutedAt = time.Now()
	}

	query := `
		INSERT INTO trades (
			id, user_id, session_id, market, contract_id, direction,
			status, stake, entry_price, pnl, confidence, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := db.pool.Exec(ctx, query,
		tr.ID, tr.UserID, tr.SessionID, tr.Market, tr.ContractID, tr.Direction,
		tr.Status, tr.Stake, tr.EntryPrice, tr.PnL, tr.Confidence, tr.ExecutedAt,
	)
	if err != nil {
		log.Error().Err(err).Str("trade_id", tr.ID).Msg("Failed to insert trade")
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// SettleTrade finalizes an OPEN row with the broker's outcome.
func (db *DB) SettleTrade(ctx context.Context, tradeID, status string, pnl float64, exitPrice *float64, settledAt time.Time) error {
	query := `
		UPDATE trades
		SET status = $2, pnl = $3, exit_price = $4, settled_at = $5
		WHERE id = $1 AND status = $6
	`
	tag, err := db.pool.Exec(ctx, query, tradeID, status, pnl, exitPrice, settledAt, TradeRowOpen)
	if err != nil {
		log.Error().Err(err).Str("trade_id", tradeID).Msg("Failed to settle trade")
		return fmt.Errorf("failed to settle trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trade %s is not open", tradeID)
	}
	return nil
}

// GetTrade loads one trade by id. Returns (nil, nil) when absent.
func (db *DB) GetTrade(ctx context.Context, tradeID string) (*TradeRow, error) {
	query := `
		SELECT id, user_id, session_id, market, contract_id, direction,
		       status, stake, entry_price, exit_price, pnl, confidence,
		       executed_at, settled_at
		FROM trades WHERE id = $1
	`
	var tr TradeRow
	err := db.pool.QueryRow(ctx, query, tradeID).Scan(
		&tr.ID, &tr.UserID, &tr.SessionID, &tr.Market, &tr.ContractID, &tr.Direction,
		&tr.Status, &tr.Stake, &tr.EntryPrice, &tr.ExitPrice, &tr.PnL, &tr.Confidence,
		&tr.ExecutedAt, &tr.SettledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trade: %w", err)
	}
	return &tr, nil
}

// ListOpenTradesByUser returns a user's unsettled trades, oldest first.
// The settlement reconciler uses this to sweep contracts whose in-process
// monitor timed out.
func (db *DB) ListOpenTradesByUser(ctx context.Context, userID string) ([]TradeRow, error) {
	query := `
		SELECT id, user_id, session_id, market, contract_id, direction,
		       status, stake, entry_price, exit_price, pnl, confidence,
		       executed_at, settled_at
		FROM trades
		WHERE user_id = $1 AND status = $2
		ORDER BY executed_at
	`
	rows, err := db.pool.Query(ctx, query, userID, TradeRowOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to list open trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var tr TradeRow
		if err := rows.Scan(
			&tr.ID, &tr.UserID, &tr.SessionID, &tr.Market, &tr.ContractID, &tr.Direction,
			&tr.Status, &tr.Stake, &tr.EntryPrice, &tr.ExitPrice, &tr.PnL, &tr.Confidence,
			&tr.ExecutedAt, &tr.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListUsersWithOpenTrades returns the distinct users holding OPEN rows.
func (db *DB) ListUsersWithOpenTrades(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM trades WHERE status = $1`, TradeRowOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to list users with open trades: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
