package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/events"
	"github.com/optiqlabs/tradecore/internal/execution"
	"github.com/optiqlabs/tradecore/internal/marketdata"
	"github.com/optiqlabs/tradecore/internal/risk"
	"github.com/optiqlabs/tradecore/internal/session"
	"github.com/optiqlabs/tradecore/internal/signal"
	"github.com/optiqlabs/tradecore/internal/types"
)

// maxConcurrentOrders bounds in-flight executions across all sessions.
const maxConcurrentOrders = 8

// Orchestrator runs the auto-trading loop: ticks feed the signal engine,
// signals fan out per participant through the risk guard, approvals flow
// into the execution core, settlements flow back into session PnL and the
// engine's outcome history.
type Orchestrator struct {
	log      zerolog.Logger
	bus      *events.Bus
	pipeline *marketdata.Pipeline
	engine   *signal.Engine
	guard    *risk.Guard
	registry *session.Registry
	exec     *execution.Executor
	stakeCfg config.StakeConfig

	mu      sync.Mutex
	running bool

	// Subscriptions held so Stop can detach exactly what Start attached.
	tickSub    *marketdata.Subscription
	sigSub     *events.Subscription
	riskSub    *events.Subscription
	settledSub *events.Subscription
	execSub    *events.Subscription

	stopCh  chan struct{}
	wg      sync.WaitGroup
	workers chan struct{}
}

// New wires an orchestrator over already-constructed components.
func New(bus *events.Bus, pipeline *marketdata.Pipeline, engine *signal.Engine, guard *risk.Guard, registry *session.Registry, exec *execution.Executor, stakeCfg config.StakeConfig) *Orchestrator {
	return &Orchestrator{
		log:      config.NewLogger("orchestrator"),
		bus:      bus,
		pipeline: pipeline,
		engine:   engine,
		guard:    guard,
		registry: registry,
		exec:     exec,
		stakeCfg: stakeCfg,
		workers:  make(chan struct{}, maxConcurrentOrders),
	}
}

// Start attaches the orchestrator to the pipeline and the bus.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})

	o.tickSub = o.pipeline.Subscribe(256)
	o.sigSub = o.bus.Subscribe(events.TopicSignalEmitted, o.onSignal)
	o.riskSub = o.bus.Subscribe(events.TopicRiskCheckCompleted, func(t events.Topic, p any) {
		o.onRiskCheck(ctx, t, p)
	})
	o.settledSub = o.bus.Subscribe(events.TopicTradeSettled, func(t events.Topic, p any) {
		o.onSettled(ctx, t, p)
	})
	o.execSub = o.bus.Subscribe(events.TopicTradeExecuted, func(t events.Topic, p any) {
		o.onExecuted(ctx, t, p)
	})

	o.wg.Add(1)
	go o.tickLoop(ctx)

	o.log.Info().Msg("Orchestrator started")
}

// Stop detaches every subscription Start attached and waits for in-flight
// work to drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)

	o.tickSub.Unsubscribe()
	o.sigSub.Unsubscribe()
	o.riskSub.Unsubscribe()
	o.settledSub.Unsubscribe()
	o.execSub.Unsubscribe()
	o.mu.Unlock()

	o.wg.Wait()
	o.log.Info().Msg("Orchestrator stopped")
}

func (o *Orchestrator) tickLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case tick := <-o.tickSub.Ticks():
			// The engine emits any resulting signal onto the bus itself.
			o.engine.ProcessTick(tick, nil)
		}
	}
}

// onSignal fans a signal out per participant: every RUNNING session in
// registry order that trades the market, participants in insertion order.
// A session with no participants produces nothing.
func (o *Orchestrator) onSignal(_ events.Topic, payload any) {
	sig, ok := payload.(*types.Signal)
	if !ok {
		return
	}

	for _, s := range o.registry.ActiveSessions() {
		if !s.Config.AllowsMarket(sig.Market) {
			continue
		}
		for _, p := range s.OrderedParticipants() {
			user, err := o.registry.UserRisk(p.UserID)
			if err != nil {
				o.log.Warn().Err(err).Str("user_id", p.UserID).Msg("Failed to resolve user risk state")
				continue
			}
			base := execution.StakeFor(o.stakeCfg, *sig)
			stake := o.guard.RecommendedStake(base, s.Config.RiskProfile, user)
			// Validate emits risk_check_completed for every evaluation.
			o.guard.Validate(*sig, s.Config, user, p.UserID, s.ID, stake)
		}
	}
}

// onRiskCheck forwards approved checks to the execution core on a bounded
// worker pool. Rejections already served their purpose as events.
func (o *Orchestrator) onRiskCheck(ctx context.Context, _ events.Topic, payload any) {
	check, ok := payload.(types.RiskCheck)
	if !ok || !check.Approved() {
		return
	}

	select {
	case o.workers <- struct{}{}:
	case <-o.stopCh:
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.workers }()
		o.exec.HandleRiskCheck(ctx, check)
	}()
}

// onSettled folds a settlement back into session PnL and the engine's
// per-market outcome history.
func (o *Orchestrator) onSettled(ctx context.Context, _ events.Topic, payload any) {
	result, ok := payload.(types.TradeResult)
	if !ok {
		return
	}
	if result.SessionID != "" && result.UserID != "" {
		if _, err := o.registry.UpdatePnL(ctx, result.SessionID, result.UserID, result.PnL); err != nil {
			o.log.Warn().Err(err).
				Str("session_id", result.SessionID).
				Str("user_id", result.UserID).
				Msg("Failed to apply settlement PnL")
		}
	}
	o.engine.RecordOutcome(result.Market, result.Status == types.TradeWon)
}

// onExecuted watches failures for market-wide conditions: a closed market
// pauses every running session that trades it.
func (o *Orchestrator) onExecuted(ctx context.Context, _ events.Topic, payload any) {
	result, ok := payload.(types.TradeResult)
	if !ok || result.Status != types.TradeFailed {
		return
	}
	if result.Reason == "MARKET_CLOSED" {
		paused := o.registry.PauseByMarket(ctx, result.Market)
		if len(paused) > 0 {
			o.log.Warn().
				Str("market", result.Market).
				Strs("session_ids", paused).
				Msg("Market closed, sessions paused")
		}
	}
}

// ResumeMarket resumes sessions paused for a market, e.g. when it reopens.
func (o *Orchestrator) ResumeMarket(ctx context.Context, market string) []string {
	return o.registry.ResumeByMarket(ctx, market)
}
