package signal

import (
	"math"
	"strings"

	"github.com/optiqlabs/tradecore/internal/types"
)

// marketClass partitions broker symbols by behavior. Synthetic indices
// trade around the clock with engineered volatility; forex pairs carry
// session structure and respect support/resistance far better.
type marketClass int

const (
	classAny marketClass = iota
	classSynthetic
	classForex
)

// classify buckets a broker symbol. Unknown symbols behave like synthetics
// for gating purposes so the aggressive rules stay off them.
func classify(market string) marketClass {
	switch {
	case strings.HasPrefix(market, "R_"),
		strings.HasPrefix(market, "1HZ"),
		strings.HasPrefix(market, "BOOM"),
		strings.HasPrefix(market, "CRASH"),
		strings.HasPrefix(market, "stpRNG"):
		return classSynthetic
	case strings.HasPrefix(market, "frx"):
		return classForex
	}
	for _, ccy := range []string{"USD", "EUR", "GBP", "JPY", "AUD", "CHF"} {
		if strings.Contains(market, ccy) {
			return classForex
		}
	}
	return classAny
}

// candidate is a strategy's proposed trade before engine-level gating.
type candidate struct {
	Type       types.SignalType
	Confidence float64
	Reason     string

	// MinConfidence is the strategy's own floor; candidates below it are
	// discarded before they compete.
	MinConfidence float64

	StakeMult float64
	Duration  *types.ContractDuration
}

// strategy is one rule in the ordered registry.
type strategy struct {
	name    string
	class   marketClass
	minConf float64
	eval    func(s *marketState) *candidate
}

func (st *strategy) applies(market string) bool {
	if st.class == classAny {
		return true
	}
	return classify(market) == st.class
}

// defaultStrategies is the fixed registry. Order matters: when two fire at
// equal confidence the earlier one wins.
func defaultStrategies() []*strategy {
	return []*strategy{
		{name: "rsi_divergence", class: classAny, minConf: 0.62, eval: evalRSIDivergence},
		{name: "ema_cross_momentum", class: classAny, minConf: 0.65, eval: evalEMACrossMomentum},
		{name: "bollinger_squeeze_breakout", class: classAny, minConf: 0.65, eval: evalBollingerSqueeze},
		{name: "macd_histogram_cross", class: classAny, minConf: 0.6, eval: evalMACDHistogramCross},
		{name: "stochastic_extremes", class: classAny, minConf: 0.62, eval: evalStochasticExtremes},
		{name: "volatility_spike", class: classSynthetic, minConf: 0.6, eval: evalVolatilitySpike},
		{name: "support_resistance_bounce", class: classForex, minConf: 0.65, eval: evalSupportResistance},
		{name: "adx_strong_trend", class: classSynthetic, minConf: 0.6, eval: evalADXStrongTrend},
		{name: "multi_indicator_confluence", class: classAny, minConf: 0.7, eval: evalConfluence},
		{name: "adaptive_win_rate", class: classAny, minConf: 0.6, eval: evalAdaptiveWinRate},
	}
}

// evalRSIDivergence looks for price making a lower low while RSI makes a
// higher low (bullish), or the mirror image (bearish).
func evalRSIDivergence(s *marketState) *candidate {
	lookback := 5
	if len(s.quotes) < rsiPeriod+1+lookback {
		return nil
	}
	then := s.quotes[:len(s.quotes)-lookback]
	priceNow := s.quotes[len(s.quotes)-1]
	priceThen := then[len(then)-1]
	rsiNow := s.snapshot.RSI
	rsiThen := RSI(then)

	if priceNow < priceThen && rsiNow > rsiThen && rsiNow < 40 {
		return &candidate{
			Type:       types.SignalCall,
			Confidence: clamp01(0.62 + (rsiNow-rsiThen)/100),
			Reason:     "bullish RSI divergence",
		}
	}
	if priceNow > priceThen && rsiNow < rsiThen && rsiNow > 60 {
		return &candidate{
			Type:       types.SignalPut,
			Confidence: clamp01(0.62 + (rsiThen-rsiNow)/100),
			Reason:     "bearish RSI divergence",
		}
	}
	return nil
}

// evalEMACrossMomentum trades fresh fast/slow EMA crossovers confirmed by
// trend strength (ADX >= 20).
func evalEMACrossMomentum(s *marketState) *candidate {
	edge := s.crossover()
	if edge == 0 || s.snapshot.ADX < 20 {
		return nil
	}
	conf := math.Min(0.95, 0.7+2*math.Abs(s.snapshot.Momentum))
	if s.snapshot.Volatility > 0.02 {
		conf *= 0.9
	}
	typ := types.SignalCall
	reason := "bullish EMA crossover with trend"
	if edge < 0 {
		typ = types.SignalPut
		reason = "bearish EMA crossover with trend"
	}
	return &candidate{Type: typ, Confidence: clamp01(conf), Reason: reason}
}

// evalBollingerSqueeze fires when price breaks out of a tight band.
func evalBollingerSqueeze(s *marketState) *candidate {
	if len(s.quotes) < bollingerPeriod+1 {
		return nil
	}
	prev := Bollinger(s.quotes[:len(s.quotes)-1])
	if prev.Width == 0 || prev.Width > 0.02 {
		return nil
	}
	price := s.quotes[len(s.quotes)-1]
	boll := s.snapshot.Bollinger
	if price > boll.Upper {
		over := (price - boll.Upper) / boll.Upper
		return &candidate{
			Type:       types.SignalCall,
			Confidence: clamp01(0.68 + math.Min(0.2, over*50)),
			Reason:     "squeeze breakout above upper band",
		}
	}
	if price < boll.Lower {
		under := (boll.Lower - price) / boll.Lower
		return &candidate{
			Type:       types.SignalPut,
			Confidence: clamp01(0.68 + math.Min(0.2, under*50)),
			Reason:     "squeeze breakout below lower band",
		}
	}
	return nil
}

// evalMACDHistogramCross fires on a histogram sign flip.
func evalMACDHistogramCross(s *marketState) *candidate {
	if len(s.quotes) < macdSlowPeriod+1 {
		return nil
	}
	prev := MACD(s.quotes[:len(s.quotes)-1])
	hist := s.snapshot.MACD.Histogram
	price := s.quotes[len(s.quotes)-1]
	if price == 0 {
		return nil
	}
	strength := math.Min(0.25, math.Abs(hist)/price*500)
	if prev.Histogram <= 0 && hist > 0 {
		return &candidate{
			Type:       types.SignalCall,
			Confidence: clamp01(0.62 + strength),
			Reason:     "MACD histogram crossed above zero",
		}
	}
	if prev.Histogram >= 0 && hist < 0 {
		return &candidate{
			Type:       types.SignalPut,
			Confidence: clamp01(0.62 + strength),
			Reason:     "MACD histogram crossed below zero",
		}
	}
	return nil
}

// evalStochasticExtremes trades oversold/overbought turns: %K leaving an
// extreme through its %D line.
func evalStochasticExtremes(s *marketState) *candidate {
	st := s.snapshot.Stochastic
	if st.K < 20 && st.K > st.D {
		return &candidate{
			Type:       types.SignalCall,
			Confidence: clamp01(0.64 + (20-st.K)/100),
			Reason:     "stochastic oversold reversal",
		}
	}
	if st.K > 80 && st.K < st.D {
		return &candidate{
			Type:       types.SignalPut,
			Confidence: clamp01(0.64 + (st.K-80)/100),
			Reason:     "stochastic overbought reversal",
		}
	}
	return nil
}

// evalVolatilitySpike rides an expansion move on synthetic indices, in the
// direction momentum already points.
func evalVolatilitySpike(s *marketState) *candidate {
	price := s.quotes[len(s.quotes)-1]
	if price == 0 || s.snapshot.ATR == 0 {
		return nil
	}
	if s.snapshot.ATR/price < 0.004 {
		return nil
	}
	mom := s.snapshot.Momentum
	if math.Abs(mom) < 0.001 {
		return nil
	}
	conf := clamp01(0.6 + math.Min(0.25, 20*math.Abs(mom)))
	if mom > 0 {
		return &candidate{Type: types.SignalCall, Confidence: conf, Reason: "volatility spike with upward momentum"}
	}
	return &candidate{Type: types.SignalPut, Confidence: conf, Reason: "volatility spike with downward momentum"}
}

// evalSupportResistance fades touches of the window's extremes on forex.
func evalSupportResistance(s *marketState) *candidate {
	if len(s.quotes) < 50 {
		return nil
	}
	window := s.quotes[len(s.quotes)-50:]
	lo, hi := window[0], window[0]
	for _, q := range window {
		if q < lo {
			lo = q
		}
		if q > hi {
			hi = q
		}
	}
	price := window[len(window)-1]
	prev := window[len(window)-2]
	if lo == 0 || hi == lo {
		return nil
	}
	if (price-lo)/lo < 0.002 && price > prev {
		return &candidate{Type: types.SignalCall, Confidence: 0.68, Reason: "bounce off support"}
	}
	if (hi-price)/hi < 0.002 && price < prev {
		return &candidate{Type: types.SignalPut, Confidence: 0.68, Reason: "rejection at resistance"}
	}
	return nil
}

// evalADXStrongTrend joins an established strong trend.
func evalADXStrongTrend(s *marketState) *candidate {
	if s.snapshot.ADX < 40 {
		return nil
	}
	conf := clamp01(0.6 + s.snapshot.ADX/400)
	if s.fastEMA > s.slowEMA {
		return &candidate{Type: types.SignalCall, Confidence: conf, Reason: "strong uptrend"}
	}
	if s.fastEMA < s.slowEMA {
		return &candidate{Type: types.SignalPut, Confidence: conf, Reason: "strong downtrend"}
	}
	return nil
}

// evalConfluence requires at least four of five indicators to agree.
func evalConfluence(s *marketState) *candidate {
	ind := s.snapshot
	bullish := 0
	bearish := 0

	vote := func(up, down bool) {
		if up {
			bullish++
		}
		if down {
			bearish++
		}
	}
	vote(ind.RSI < 35, ind.RSI > 65)
	vote(ind.FastEMA > ind.SlowEMA, ind.FastEMA < ind.SlowEMA)
	vote(ind.MACD.Histogram > 0, ind.MACD.Histogram < 0)
	vote(ind.Stochastic.K < 25, ind.Stochastic.K > 75)
	vote(ind.Momentum > 0.001, ind.Momentum < -0.001)

	if bullish >= 4 {
		return &candidate{
			Type:       types.SignalCall,
			Confidence: clamp01(0.72 + 0.04*float64(bullish)),
			Reason:     "multi-indicator bullish confluence",
			StakeMult:  1.2,
		}
	}
	if bearish >= 4 {
		return &candidate{
			Type:       types.SignalPut,
			Confidence: clamp01(0.72 + 0.04*float64(bearish)),
			Reason:     "multi-indicator bearish confluence",
			StakeMult:  1.2,
		}
	}
	return nil
}

// evalAdaptiveWinRate follows momentum only on markets whose settled
// outcomes show an edge, scaling confidence by that win rate.
func evalAdaptiveWinRate(s *marketState) *candidate {
	rate, ok := s.winRate()
	if !ok || rate < 0.6 {
		return nil
	}
	mom := s.snapshot.Momentum
	if math.Abs(mom) < 0.0015 {
		return nil
	}
	conf := clamp01(0.5 + 0.4*rate)
	if mom > 0 {
		return &candidate{Type: types.SignalCall, Confidence: conf, Reason: "momentum follow on winning market"}
	}
	return &candidate{Type: types.SignalPut, Confidence: conf, Reason: "momentum follow on winning market"}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
