package signal

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/events"
	"github.com/optiqlabs/tradecore/internal/metrics"
	"github.com/optiqlabs/tradecore/internal/types"
)

// Engine evaluates per-market indicator state against the strategy registry
// and emits trade signals. Safe for concurrent use; state is partitioned by
// market under one lock.
type Engine struct {
	log        zerolog.Logger
	emitter    events.Emitter
	strategies []*strategy

	mu      sync.Mutex
	markets map[string]*marketState
}

// NewEngine builds an engine with the default strategy registry. emitter
// may be nil; signals are then only returned to the caller.
func NewEngine(emitter events.Emitter) *Engine {
	return &Engine{
		log:        config.NewLogger("signal"),
		emitter:    emitter,
		strategies: defaultStrategies(),
		markets:    make(map[string]*marketState),
	}
}

// ProcessTick folds one tick into the market's state and evaluates the
// strategies. Returns nil unless a signal clears every gate.
func (e *Engine) ProcessTick(tick types.Tick, cfg *types.SessionConfig) *types.Signal {
	e.mu.Lock()
	st, ok := e.markets[tick.Market]
	if !ok {
		st = newMarketState(tick.Market)
		e.markets[tick.Market] = st
	}
	st.observe(tick.Quote)
	sig := e.evaluate(st, cfg)
	e.mu.Unlock()

	if sig != nil {
		metrics.Default().SignalsEmitted.WithLabelValues(tick.Market, string(sig.Type)).Inc()
		e.log.Debug().
			Str("market", sig.Market).
			Str("type", string(sig.Type)).
			Float64("confidence", sig.Confidence).
			Str("reason", sig.Reason).
			Msg("Signal emitted")
		if e.emitter != nil {
			e.emitter.Emit(events.TopicSignalEmitted, sig)
		}
	}
	return sig
}

// GenerateSignal evaluates a quote series in one shot, without touching the
// engine's live per-market state.
func (e *Engine) GenerateSignal(ticks []types.Tick, cfg *types.SessionConfig) *types.Signal {
	if len(ticks) == 0 {
		return nil
	}
	st := newMarketState(ticks[0].Market)
	for _, t := range ticks {
		st.observe(t.Quote)
	}
	return e.evaluate(st, cfg)
}

// RecordOutcome feeds a settled trade result back into the market's state
// for the adaptive win-rate strategy.
func (e *Engine) RecordOutcome(market string, won bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.markets[market]
	if !ok {
		st = newMarketState(market)
		e.markets[market] = st
	}
	if won {
		st.wins++
	} else {
		st.losses++
	}
}

// Snapshot returns a copy of the market's current indicator values, and
// false when the market is unknown.
func (e *Engine) Snapshot(market string) (types.IndicatorSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.markets[market]
	if !ok {
		return types.IndicatorSnapshot{}, false
	}
	return st.snapshot, true
}

// evaluate runs the registry over the state. Caller holds the lock or owns
// the state exclusively.
func (e *Engine) evaluate(st *marketState, cfg *types.SessionConfig) *types.Signal {
	if !st.ready() {
		return nil
	}

	var best *candidate
	for _, strat := range e.strategies {
		if !strat.applies(st.market) {
			continue
		}
		cand := strat.eval(st)
		if cand == nil {
			continue
		}
		cand.Confidence = clamp01(cand.Confidence)
		floor := strat.minConf
		if cand.MinConfidence > floor {
			floor = cand.MinConfidence
		}
		if cand.Confidence < floor {
			continue
		}
		// Strict greater keeps registry order as the tie break.
		if best == nil || cand.Confidence > best.Confidence {
			best = cand
		}
	}
	if best == nil {
		return nil
	}

	if cfg != nil && best.Confidence < cfg.MinConfidence {
		return nil
	}

	snap := st.snapshot
	return &types.Signal{
		Type:       best.Type,
		Market:     st.market,
		Confidence: best.Confidence,
		Reason:     best.Reason,
		Timestamp:  time.Now().UTC(),
		Duration:   best.Duration,
		StakeMult:  best.StakeMult,
		Indicators: &snap,
	}
}
