package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/events"
	"github.com/optiqlabs/tradecore/internal/types"
)

func newTestGuard(emitter events.Emitter) *Guard {
	return NewGuard(config.RiskConfig{}, emitter)
}

func baseSignal() types.Signal {
	return types.Signal{Type: types.SignalCall, Market: "R_50", Confidence: 0.8}
}

func baseSessionCfg() types.SessionConfig {
	return types.SessionConfig{
		RiskProfile:         types.RiskProfileMedium,
		MaxStake:            50,
		MinConfidence:       0.6,
		GlobalLossThreshold: 100,
	}
}

func healthyUser() types.UserRiskState {
	return types.UserRiskState{
		MaxDrawdown:         200,
		MaxDailyLoss:        100,
		MaxTradesPerSession: 10,
	}
}

func TestValidateApprovesHealthyRequest(t *testing.T) {
	g := newTestGuard(nil)
	check := g.Validate(baseSignal(), baseSessionCfg(), healthyUser(), "u1", "s1", 10)

	assert.True(t, check.Approved())
	assert.Empty(t, check.Reason)
	assert.Equal(t, "u1", check.UserID)
	assert.Equal(t, "s1", check.SessionID)
}

func TestUserGateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.UserRiskState)
		want   types.RejectReason
	}{
		{"opted out", func(u *types.UserRiskState) { u.IsOptedOut = true }, types.ReasonUserOptedOut},
		{"drawdown reached", func(u *types.UserRiskState) { u.CurrentDrawdown = 200 }, types.ReasonUserMaxDrawdown},
		{"drawdown exceeded", func(u *types.UserRiskState) { u.CurrentDrawdown = 250 }, types.ReasonUserMaxDrawdown},
		{"daily loss reached", func(u *types.UserRiskState) { u.CurrentDailyLoss = 100 }, types.ReasonUserDailyLossLimit},
		{"max trades reached", func(u *types.UserRiskState) { u.TradesToday = 10 }, types.ReasonUserMaxTrades},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGuard(nil)
			user := healthyUser()
			tc.mutate(&user)
			check := g.Validate(baseSignal(), baseSessionCfg(), user, "u1", "s1", 10)
			assert.False(t, check.Approved())
			assert.Equal(t, tc.want, check.Reason)
		})
	}
}

func TestSessionGateRejections(t *testing.T) {
	g := newTestGuard(nil)

	cfg := baseSessionCfg()
	cfg.IsPaused = true
	check := g.Validate(baseSignal(), cfg, healthyUser(), "u1", "s1", 10)
	assert.Equal(t, types.ReasonSessionPaused, check.Reason)

	cfg = baseSessionCfg()
	cfg.CurrentPnL = -100
	check = g.Validate(baseSignal(), cfg, healthyUser(), "u1", "s1", 10)
	assert.Equal(t, types.ReasonSessionLossThreshold, check.Reason)
}

func TestSignalGateRejections(t *testing.T) {
	g := newTestGuard(nil)

	cfg := baseSessionCfg()
	cfg.AllowedMarkets = []string{"R_100"}
	check := g.Validate(baseSignal(), cfg, healthyUser(), "u1", "s1", 10)
	assert.Equal(t, types.ReasonMarketNotAllowed, check.Reason)

	sig := baseSignal()
	sig.Confidence = 0.62 // above session floor, below MEDIUM profile floor
	check = g.Validate(sig, baseSessionCfg(), healthyUser(), "u1", "s1", 10)
	assert.Equal(t, types.ReasonMinConfidenceNotMet, check.Reason)
}

func TestProfileFloorUsesStricterOfTheTwo(t *testing.T) {
	g := newTestGuard(nil)

	cfg := baseSessionCfg()
	cfg.RiskProfile = types.RiskProfileLow // floor 0.8
	sig := baseSignal()
	sig.Confidence = 0.75
	check := g.Validate(sig, cfg, healthyUser(), "u1", "s1", 10)
	assert.Equal(t, types.ReasonMinConfidenceNotMet, check.Reason)

	cfg.RiskProfile = types.RiskProfileHigh // floor 0.5, session floor 0.6 wins
	sig.Confidence = 0.55
	check = g.Validate(sig, cfg, healthyUser(), "u1", "s1", 10)
	assert.Equal(t, types.ReasonMinConfidenceNotMet, check.Reason)
}

func TestStakeGateScalesWithProfile(t *testing.T) {
	g := newTestGuard(nil)

	// MEDIUM: limit = 50 * 1.0
	check := g.Validate(baseSignal(), baseSessionCfg(), healthyUser(), "u1", "s1", 51)
	assert.Equal(t, types.ReasonSessionMaxStake, check.Reason)

	// HIGH: limit = 50 * 1.5, confidence floor 0.5
	cfg := baseSessionCfg()
	cfg.RiskProfile = types.RiskProfileHigh
	check = g.Validate(baseSignal(), cfg, healthyUser(), "u1", "s1", 70)
	assert.True(t, check.Approved())
	check = g.Validate(baseSignal(), cfg, healthyUser(), "u1", "s1", 76)
	assert.Equal(t, types.ReasonSessionMaxStake, check.Reason)
}

func TestUserGateOutranksSessionGate(t *testing.T) {
	// A paused session with an opted-out user must report the user reason.
	g := newTestGuard(nil)
	user := healthyUser()
	user.IsOptedOut = true
	cfg := baseSessionCfg()
	cfg.IsPaused = true

	check := g.Validate(baseSignal(), cfg, user, "u1", "s1", 10)
	assert.Equal(t, types.ReasonUserOptedOut, check.Reason)
}

func TestEveryEvaluationEmitsEvent(t *testing.T) {
	rec := &events.Recorder{}
	g := newTestGuard(rec)

	g.Validate(baseSignal(), baseSessionCfg(), healthyUser(), "u1", "s1", 10)
	user := healthyUser()
	user.IsOptedOut = true
	g.Validate(baseSignal(), baseSessionCfg(), user, "u2", "s1", 10)

	emitted := rec.ByTopic(events.TopicRiskCheckCompleted)
	require.Len(t, emitted, 2, "approved and rejected checks both emit")
}

func TestUnknownProfileDefaultsToMedium(t *testing.T) {
	g := newTestGuard(nil)
	p := g.Profile("AGGRESSIVE")
	assert.Equal(t, 1.0, p.StakeMult)
	assert.Equal(t, 0.65, p.MinConfidence)
}

func TestRecommendedStakeProfileScaling(t *testing.T) {
	g := newTestGuard(nil)
	user := healthyUser()

	assert.Equal(t, 5.0, g.RecommendedStake(10, types.RiskProfileLow, user))
	assert.Equal(t, 10.0, g.RecommendedStake(10, types.RiskProfileMedium, user))
	assert.Equal(t, 15.0, g.RecommendedStake(10, types.RiskProfileHigh, user))
}

func TestRecommendedStakeDrawdownReduction(t *testing.T) {
	g := newTestGuard(nil)
	user := healthyUser()
	user.CurrentDrawdown = 150 // ratio 0.75 -> multiply by 0.5

	assert.Equal(t, 5.0, g.RecommendedStake(10, types.RiskProfileMedium, user))

	// At or below half the limit no reduction applies.
	user.CurrentDrawdown = 100
	assert.Equal(t, 10.0, g.RecommendedStake(10, types.RiskProfileMedium, user))
}

func TestRecommendedStakeCompoundsReductionsAndFloors(t *testing.T) {
	g := newTestGuard(nil)
	user := healthyUser()
	user.CurrentDrawdown = 150 // x0.5
	user.CurrentDailyLoss = 75 // ratio 0.75 -> x0.5

	assert.Equal(t, 2.5, g.RecommendedStake(10, types.RiskProfileMedium, user))

	// Deep drawdown drives the raw stake under 1; the floor holds.
	user.CurrentDrawdown = 199
	user.CurrentDailyLoss = 99
	assert.Equal(t, 1.0, g.RecommendedStake(10, types.RiskProfileMedium, user))
}

func TestRecommendedStakeRoundsToTwoDecimals(t *testing.T) {
	g := newTestGuard(nil)
	user := healthyUser()
	user.CurrentDrawdown = 120 // ratio 0.6 -> x0.8

	got := g.RecommendedStake(10.33, types.RiskProfileMedium, user)
	assert.Equal(t, 8.26, got) // 10.33*0.8 = 8.264
}
