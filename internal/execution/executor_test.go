package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiqlabs/tradecore/internal/broker"
	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/events"
	"github.com/optiqlabs/tradecore/internal/store"
	"github.com/optiqlabs/tradecore/internal/types"
)

// fakeSession scripts one per-order broker session.
type fakeSession struct {
	mu sync.Mutex

	connectErr error
	authErr    error
	proposeErr error
	buyErr     error
	monitorErr error

	settlement *broker.Settlement  // delivered after MonitorContract when set
	monitorFn  func(contractID string)

	events       chan broker.Event
	connected    bool
	disconnected bool
	lastPropose  broker.ProposeParams
	lastToken    string
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan broker.Event, 16)}
}

func (f *fakeSession) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeSession) Authorize(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = token
	return f.authErr
}

func (f *fakeSession) Propose(_ context.Context, params broker.ProposeParams) (*broker.Proposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proposeErr != nil {
		return nil, f.proposeErr
	}
	f.lastPropose = params
	return &broker.Proposal{ID: "prop-1", AskPrice: params.Stake, Payout: params.Stake * 1.85}, nil
}

func (f *fakeSession) Buy(_ context.Context, proposalID string, maxPrice float64) (*broker.BuyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	return &broker.BuyResult{ContractID: "ct-1", BuyPrice: maxPrice, Longcode: "test contract"}, nil
}

func (f *fakeSession) MonitorContract(_ context.Context, contractID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.monitorErr != nil {
		return f.monitorErr
	}
	if f.monitorFn != nil {
		f.monitorFn(contractID)
	}
	if f.settlement != nil {
		f.events <- broker.Event{Kind: broker.EventSettled, Settlement: f.settlement}
	}
	return nil
}

func (f *fakeSession) Events() <-chan broker.Event { return f.events }

func (f *fakeSession) wasDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

// fakeCreds returns a fixed token per user.
type fakeCreds struct{ tokens map[string]string }

func (f *fakeCreds) GetToken(_ context.Context, userID string) (string, error) {
	return f.tokens[userID], nil
}
func (f *fakeCreds) GetActiveAccount(context.Context, string) (*types.BrokerAccount, error) {
	return nil, nil
}
func (f *fakeCreds) ListAccounts(context.Context, string) ([]types.BrokerAccount, error) {
	return nil, nil
}

// fakeTrades records persistence calls.
type fakeTrades struct {
	mu      sync.Mutex
	opens   []store.TradeRow
	settles []settleCall
}

type settleCall struct {
	tradeID string
	status  string
	pnl     float64
}

func (f *fakeTrades) InsertTrade(_ context.Context, tr *store.TradeRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, *tr)
	return nil
}

func (f *fakeTrades) SettleTrade(_ context.Context, tradeID, status string, pnl float64, _ *float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settles = append(f.settles, settleCall{tradeID: tradeID, status: status, pnl: pnl})
	return nil
}

type executorFixture struct {
	exec    *Executor
	session *fakeSession
	trades  *fakeTrades
	rec     *events.Recorder
}

func newFixture(t *testing.T, mutate func(*fakeSession)) *executorFixture {
	t.Helper()
	session := newFakeSession()
	if mutate != nil {
		mutate(session)
	}
	trades := &fakeTrades{}
	rec := events.NewRecorder()
	cfg := config.ExecutionConfig{
		IdempotencyTTLS:    3600,
		SettlementTimeoutS: 1,
		DefaultStake:       config.StakeConfig{Base: 10, Min: 1, Max: 100, ConfidenceMult: true},
		DefaultDuration:    config.DurationConfig{Value: 3, Unit: "m"},
	}
	exec := NewExecutor(cfg,
		NewGate(nil, time.Hour),
		func() (BrokerSession, error) { return session, nil },
		&fakeCreds{tokens: map[string]string{"u1": "tok-u1"}},
		trades, rec, nil,
	)
	return &executorFixture{exec: exec, session: session, trades: trades, rec: rec}
}

func approvedCheck() types.RiskCheck {
	return types.RiskCheck{
		UserID:    "u1",
		SessionID: "s1",
		Result:    types.RiskApproved,
		Stake:     10,
		Signal: types.Signal{
			Type:       types.SignalCall,
			Market:     "R_50",
			Confidence: 0.8,
			Timestamp:  time.Now(),
		},
	}
}

func TestExecuteWinningTrade(t *testing.T) {
	fx := newFixture(t, func(s *fakeSession) {
		s.settlement = &broker.Settlement{ContractID: "ct-1", Outcome: broker.OutcomeWin, PnL: 8.5, SellPrice: 18.5}
	})

	result := fx.exec.Execute(context.Background(), approvedCheck())
	require.NotNil(t, result)

	assert.Equal(t, types.TradeWon, result.Status)
	assert.Equal(t, 8.5, result.PnL)
	assert.Equal(t, "ct-1", result.ContractID)
	require.NotNil(t, result.SettledAt)
	assert.True(t, fx.session.wasDisconnected())
	assert.Equal(t, "tok-u1", fx.session.lastToken)

	// Persisted OPEN then settled WON.
	require.Len(t, fx.trades.opens, 1)
	assert.Equal(t, store.TradeRowOpen, fx.trades.opens[0].Status)
	require.Len(t, fx.trades.settles, 1)
	assert.Equal(t, store.TradeRowWon, fx.trades.settles[0].status)

	// TRADE_EXECUTED{SUBMITTED} then TRADE_SETTLED{WON}.
	executed := fx.rec.ByTopic(events.TopicTradeExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, types.TradeSubmitted, executed[0].Payload.(types.TradeResult).Status)
	settledEvents := fx.rec.ByTopic(events.TopicTradeSettled)
	require.Len(t, settledEvents, 1)
	assert.Equal(t, types.TradeWon, settledEvents[0].Payload.(types.TradeResult).Status)
}

func TestExecuteLosingTrade(t *testing.T) {
	fx := newFixture(t, func(s *fakeSession) {
		s.settlement = &broker.Settlement{ContractID: "ct-1", Outcome: broker.OutcomeLoss, PnL: -10, SellPrice: 0}
	})

	result := fx.exec.Execute(context.Background(), approvedCheck())
	require.NotNil(t, result)
	assert.Equal(t, types.TradeLost, result.Status)
	assert.Equal(t, -10.0, result.PnL)
	require.Len(t, fx.trades.settles, 1)
	assert.Equal(t, store.TradeRowLost, fx.trades.settles[0].status)
}

func TestProposeFailureEmitsFailedResult(t *testing.T) {
	fx := newFixture(t, func(s *fakeSession) {
		s.proposeErr = &broker.APIError{Code: broker.CodeMarketClosed, BrokerCode: "MarketIsClosed", Message: "closed"}
	})

	result := fx.exec.Execute(context.Background(), approvedCheck())
	require.NotNil(t, result)
	assert.Equal(t, types.TradeFailed, result.Status)
	assert.Zero(t, result.PnL)
	assert.Equal(t, string(broker.CodeMarketClosed), result.Reason)
	assert.True(t, fx.session.wasDisconnected(), "session released on the failure path")
	assert.Empty(t, fx.trades.opens, "nothing persisted before buy")

	executed := fx.rec.ByTopic(events.TopicTradeExecuted)
	require.Len(t, executed, 1)
	assert.Equal(t, types.TradeFailed, executed[0].Payload.(types.TradeResult).Status)
	assert.Empty(t, fx.rec.ByTopic(events.TopicTradeSettled))
}

func TestAuthorizeFailureMapsErrorCode(t *testing.T) {
	fx := newFixture(t, func(s *fakeSession) {
		s.authErr = &broker.APIError{Code: broker.CodeInvalidToken, BrokerCode: "InvalidToken", Message: "bad"}
	})

	result := fx.exec.Execute(context.Background(), approvedCheck())
	assert.Equal(t, types.TradeFailed, result.Status)
	assert.Equal(t, string(broker.CodeInvalidToken), result.Reason)
	assert.True(t, fx.session.wasDisconnected())
}

func TestMissingTokenFailsWithoutSession(t *testing.T) {
	fx := newFixture(t, nil)
	check := approvedCheck()
	check.UserID = "unlinked"

	result := fx.exec.Execute(context.Background(), check)
	assert.Equal(t, types.TradeFailed, result.Status)
	assert.Equal(t, "NO_BROKER_ACCOUNT", result.Reason)
	assert.False(t, fx.session.wasDisconnected(), "no session was opened")
}

func TestSettlementTimeoutLeavesRowOpen(t *testing.T) {
	fx := newFixture(t, nil) // no settlement ever arrives

	result := fx.exec.Execute(context.Background(), approvedCheck())
	require.NotNil(t, result)

	assert.Equal(t, types.TradeSubmitted, result.Status, "result stays at SUBMITTED")
	assert.Empty(t, fx.trades.settles, "row remains OPEN for the reconciler")
	assert.Empty(t, fx.rec.ByTopic(events.TopicTradeSettled), "no settled event on timeout")
	assert.True(t, fx.session.wasDisconnected())
}

func TestDuplicateApprovalSilentlyDropped(t *testing.T) {
	fx := newFixture(t, func(s *fakeSession) {
		s.settlement = &broker.Settlement{ContractID: "ct-1", Outcome: broker.OutcomeWin, PnL: 8.5}
	})
	check := approvedCheck()

	first := fx.exec.HandleRiskCheck(context.Background(), check)
	require.NotNil(t, first)

	second := fx.exec.HandleRiskCheck(context.Background(), check)
	assert.Nil(t, second, "identical approval is dropped")
	assert.Len(t, fx.trades.opens, 1, "only one trade reached the broker")
}

func TestRejectedCheckIgnored(t *testing.T) {
	fx := newFixture(t, nil)
	check := approvedCheck()
	check.Result = types.RiskRejected
	check.Reason = types.ReasonSessionPaused

	assert.Nil(t, fx.exec.HandleRiskCheck(context.Background(), check))
	assert.Empty(t, fx.trades.opens)
	assert.Empty(t, fx.rec.Events())
}

func TestStakeAndDurationFlowIntoProposal(t *testing.T) {
	fx := newFixture(t, func(s *fakeSession) {
		s.settlement = &broker.Settlement{ContractID: "ct-1", Outcome: broker.OutcomeWin, PnL: 1}
	})
	check := approvedCheck()
	check.Stake = 0 // force sizing from config: 10 * 0.8

	fx.exec.Execute(context.Background(), check)

	assert.Equal(t, 8.0, fx.session.lastPropose.Stake)
	assert.Equal(t, "CALL", fx.session.lastPropose.ContractType)
	assert.Equal(t, 1, fx.session.lastPropose.Duration, "R_ markets default to one minute")
	assert.Equal(t, "m", fx.session.lastPropose.DurationUnit)
}

func TestManualTradeRunsFullLifecycle(t *testing.T) {
	fx := newFixture(t, func(s *fakeSession) {
		s.settlement = &broker.Settlement{ContractID: "ct-1", Outcome: broker.OutcomeWin, PnL: 5}
	})

	sig := types.Signal{Type: types.SignalPut, Market: "R_50", Confidence: 1, Timestamp: time.Now()}
	result := fx.exec.ExecuteManual(context.Background(), "u1", "s1", sig, 10)
	require.NotNil(t, result)
	assert.Equal(t, types.TradeWon, result.Status)

	// Same signal again: the idempotency gate drops it.
	assert.Nil(t, fx.exec.ExecuteManual(context.Background(), "u1", "s1", sig, 10))
}

func TestMemoryCaptureFailureDoesNotAbort(t *testing.T) {
	session := newFakeSession()
	session.settlement = &broker.Settlement{ContractID: "ct-1", Outcome: broker.OutcomeWin, PnL: 2}
	trades := &fakeTrades{}
	exec := NewExecutor(
		config.ExecutionConfig{SettlementTimeoutS: 1, DefaultStake: config.StakeConfig{Base: 10, Min: 1, Max: 100}},
		NewGate(nil, time.Hour),
		func() (BrokerSession, error) { return session, nil },
		&fakeCreds{tokens: map[string]string{"u1": "tok"}},
		trades, nil, panickyMemory{},
	)

	result := exec.Execute(context.Background(), approvedCheck())
	require.NotNil(t, result)
	assert.Equal(t, types.TradeWon, result.Status, "capture panic never reaches the trade flow")
}

type panickyMemory struct{}

func (panickyMemory) CaptureTrade(context.Context, types.TradeResult) error {
	panic("memory layer down")
}
