package risk

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/events"
	"github.com/optiqlabs/tradecore/internal/metrics"
	"github.com/optiqlabs/tradecore/internal/types"
)

// Profile is one admission profile's parameters.
type Profile struct {
	StakeMult     float64
	MinConfidence float64
}

// UserRiskSource resolves the current risk state for a user. Implemented by
// the session registry's participant tracking in production and by fixtures
// in tests.
type UserRiskSource interface {
	UserRisk(userID string) (types.UserRiskState, error)
}

// Guard admits or rejects signals per participant. Every evaluation emits a
// risk_check_completed event, approved or not.
type Guard struct {
	log     zerolog.Logger
	emitter events.Emitter

	mu       sync.RWMutex
	profiles map[types.RiskProfileName]Profile
}

// NewGuard builds a guard from the configured profile table. Missing
// profiles fall back to the standard LOW/MEDIUM/HIGH values.
func NewGuard(cfg config.RiskConfig, emitter events.Emitter) *Guard {
	profiles := map[types.RiskProfileName]Profile{
		types.RiskProfileLow:    {StakeMult: 0.5, MinConfidence: 0.8},
		types.RiskProfileMedium: {StakeMult: 1.0, MinConfidence: 0.65},
		types.RiskProfileHigh:   {StakeMult: 1.5, MinConfidence: 0.5},
	}
	for name, p := range cfg.Profiles {
		profiles[types.RiskProfileName(strings.ToUpper(name))] = Profile{
			StakeMult:     p.StakeMult,
			MinConfidence: p.MinConf,
		}
	}
	return &Guard{
		log:      config.NewLogger("risk"),
		emitter:  emitter,
		profiles: profiles,
	}
}

// Profile returns the named profile, defaulting to MEDIUM when unknown.
func (g *Guard) Profile(name types.RiskProfileName) Profile {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.profiles[name]; ok {
		return p
	}
	return g.profiles[types.RiskProfileMedium]
}

// Validate runs the admission rules in fixed priority: user gate, session
// gate, signal gate, stake gate. The first failing rule decides the reason.
func (g *Guard) Validate(signal types.Signal, sessionCfg types.SessionConfig, user types.UserRiskState, userID, sessionID string, stake float64) types.RiskCheck {
	check := types.RiskCheck{
		UserID:    userID,
		SessionID: sessionID,
		Result:    types.RiskApproved,
		Signal:    signal,
		Stake:     stake,
	}

	profile := g.Profile(sessionCfg.RiskProfile)

	reason := g.firstRejection(signal, sessionCfg, profile, user, stake)
	if reason != "" {
		check.Result = types.RiskRejected
		check.Reason = reason
	}

	g.finish(check)
	return check
}

func (g *Guard) firstRejection(signal types.Signal, sessionCfg types.SessionConfig, profile Profile, user types.UserRiskState, stake float64) types.RejectReason {
	// User gate.
	switch {
	case user.IsOptedOut:
		return types.ReasonUserOptedOut
	case user.MaxDrawdown > 0 && user.CurrentDrawdown >= user.MaxDrawdown:
		return types.ReasonUserMaxDrawdown
	case user.MaxDailyLoss > 0 && user.CurrentDailyLoss >= user.MaxDailyLoss:
		return types.ReasonUserDailyLossLimit
	case user.MaxTradesPerSession > 0 && user.TradesToday >= user.MaxTradesPerSession:
		return types.ReasonUserMaxTrades
	}

	// Session gate.
	if sessionCfg.IsPaused {
		return types.ReasonSessionPaused
	}
	if sessionCfg.GlobalLossThreshold > 0 && sessionCfg.CurrentPnL <= -sessionCfg.GlobalLossThreshold {
		return types.ReasonSessionLossThreshold
	}

	// Signal gate.
	if !sessionCfg.AllowsMarket(signal.Market) {
		return types.ReasonMarketNotAllowed
	}
	minConf := sessionCfg.MinConfidence
	if profile.MinConfidence > minConf {
		minConf = profile.MinConfidence
	}
	if signal.Confidence < minConf {
		return types.ReasonMinConfidenceNotMet
	}

	// Stake gate.
	if sessionCfg.MaxStake > 0 && stake > sessionCfg.MaxStake*profile.StakeMult {
		return types.ReasonSessionMaxStake
	}

	return ""
}

// finish logs, counts and publishes one completed evaluation.
func (g *Guard) finish(check types.RiskCheck) {
	result := "approved"
	if !check.Approved() {
		result = "rejected"
	}
	metrics.Default().RiskChecks.WithLabelValues(result).Inc()

	ev := g.log.Info().
		Str("user_id", check.UserID).
		Str("session_id", check.SessionID).
		Str("market", check.Signal.Market).
		Str("result", string(check.Result)).
		Float64("stake", check.Stake)
	if check.Reason != "" {
		ev = ev.Str("reason", string(check.Reason))
	}
	ev.Msg("Risk check completed")

	if g.emitter != nil {
		g.emitter.Emit(events.TopicRiskCheckCompleted, check)
	}
}

// RecommendedStake derives a stake for the user: base scaled by the
// profile, then linearly reduced as drawdown or daily loss approach their
// limits, floored at 1 and rounded to 2 decimals.
func (g *Guard) RecommendedStake(base float64, profileName types.RiskProfileName, user types.UserRiskState) float64 {
	profile := g.Profile(profileName)
	stake := base * profile.StakeMult

	if user.MaxDrawdown > 0 {
		ratio := user.CurrentDrawdown / user.MaxDrawdown
		if ratio > 0.5 {
			stake *= 2 * (1 - ratio)
		}
	}
	if user.MaxDailyLoss > 0 {
		ratio := user.CurrentDailyLoss / user.MaxDailyLoss
		if ratio > 0.5 {
			stake *= 2 * (1 - ratio)
		}
	}

	if stake < 1 {
		stake = 1
	}
	out, _ := decimal.NewFromFloat(stake).Round(2).Float64()
	return out
}
