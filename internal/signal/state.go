package signal

import (
	"github.com/optiqlabs/tradecore/internal/types"
)

// historyLimit bounds the per-market quote history.
const historyLimit = 100

// marketState is the rolling indicator state for a single market. It is
// owned by the engine and mutated only under the engine's lock.
type marketState struct {
	market string
	quotes []float64

	prevFastEMA float64
	prevSlowEMA float64
	fastEMA     float64
	slowEMA     float64

	snapshot types.IndicatorSnapshot

	// outcome counts feed the adaptive strategy's win-rate condition.
	wins   int
	losses int
}

func newMarketState(market string) *marketState {
	return &marketState{
		market: market,
		quotes: make([]float64, 0, historyLimit),
	}
}

// observe appends a quote, discards the oldest past the bound and refreshes
// every derived indicator.
func (s *marketState) observe(quote float64) {
	s.quotes = append(s.quotes, quote)
	if len(s.quotes) > historyLimit {
		s.quotes = s.quotes[1:]
	}

	s.prevFastEMA = s.fastEMA
	s.prevSlowEMA = s.slowEMA
	s.fastEMA = EMA(s.quotes, fastEMAPeriod)
	s.slowEMA = EMA(s.quotes, slowEMAPeriod)

	macd := MACD(s.quotes)
	boll := Bollinger(s.quotes)
	stoch := Stochastic(s.quotes)

	s.snapshot = types.IndicatorSnapshot{
		RSI:     RSI(s.quotes),
		FastEMA: s.fastEMA,
		SlowEMA: s.slowEMA,
		MACD: types.MACDValue{
			MACD:      macd.MACD,
			Signal:    macd.Signal,
			Histogram: macd.Histogram,
		},
		Bollinger: types.BollingerValue{
			Upper:  boll.Upper,
			Middle: boll.Middle,
			Lower:  boll.Lower,
			Width:  boll.Width,
		},
		ATR:        ATR(s.quotes),
		ADX:        ADX(s.quotes),
		Stochastic: types.StochasticValue{K: stoch.K, D: stoch.D},
		Momentum:   Momentum(s.quotes),
		Volatility: Volatility(s.quotes),
	}
}

// ready reports whether enough history exists to evaluate strategies.
func (s *marketState) ready() bool {
	return len(s.quotes) >= slowEMAPeriod+5
}

// crossover reports an EMA crossover edge since the previous quote:
// +1 bullish (fast crossed above slow), -1 bearish, 0 none.
func (s *marketState) crossover() int {
	if s.prevFastEMA == 0 || s.prevSlowEMA == 0 {
		return 0
	}
	if s.prevFastEMA <= s.prevSlowEMA && s.fastEMA > s.slowEMA {
		return 1
	}
	if s.prevFastEMA >= s.prevSlowEMA && s.fastEMA < s.slowEMA {
		return -1
	}
	return 0
}

// winRate returns the market's settled win rate and whether enough
// outcomes exist for it to mean anything.
func (s *marketState) winRate() (float64, bool) {
	total := s.wins + s.losses
	if total < 5 {
		return 0, false
	}
	return float64(s.wins) / float64(total), true
}
