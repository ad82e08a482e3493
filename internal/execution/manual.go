package execution

import (
	"context"
	"time"

	"github.com/optiqlabs/tradecore/internal/types"
)

// ExecuteManual places a user-initiated trade. Manual trades bypass the
// risk guard by design but run the exact same lifecycle, including the
// idempotency gate, persistence and settlement monitoring.
func (e *Executor) ExecuteManual(ctx context.Context, userID, sessionID string, signal types.Signal, stake float64) *types.TradeResult {
	if signal.Timestamp.IsZero() {
		signal.Timestamp = time.Now().UTC()
	}
	check := types.RiskCheck{
		UserID:    userID,
		SessionID: sessionID,
		Result:    types.RiskApproved,
		Signal:    signal,
		Stake:     stake,
	}

	key := IdempotencyKey(check)
	if !e.gate.Claim(ctx, key) {
		e.log.Info().
			Str("user_id", userID).
			Str("market", signal.Market).
			Msg("Duplicate manual trade dropped")
		return nil
	}
	return e.Execute(ctx, check)
}
