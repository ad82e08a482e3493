package signal

import "math"

// Indicator periods. The quote stream has no OHLC, so ATR and ADX treat the
// single quote series as both high and low; they are approximations and the
// strategies gated on them are tuned for that.
const (
	rsiPeriod        = 14
	fastEMAPeriod    = 9
	slowEMAPeriod    = 21
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
	bollingerPeriod  = 20
	bollingerStddevs = 2.0
	atrPeriod        = 14
	adxPeriod        = 14
	stochPeriod      = 14
	stochSmoothing   = 3
	momentumPeriod   = 10
	volatilityPeriod = 20
)

// RSI computes a 14-period relative strength index with arithmetically
// averaged gains and losses. Returns 50 with insufficient history and 100
// when there are no losses in the window.
func RSI(quotes []float64) float64 {
	if len(quotes) < rsiPeriod+1 {
		return 50
	}
	window := quotes[len(quotes)-(rsiPeriod+1):]
	var gains, losses float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / rsiPeriod
	avgLoss := losses / rsiPeriod
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// EMA computes an exponential moving average seeded with the SMA of the
// first p quotes. With fewer than p quotes it returns the latest quote.
func EMA(quotes []float64, period int) float64 {
	if period <= 0 || len(quotes) == 0 {
		return 0
	}
	if len(quotes) < period {
		return quotes[len(quotes)-1]
	}
	var sum float64
	for _, q := range quotes[:period] {
		sum += q
	}
	ema := sum / float64(period)
	k := 2.0 / float64(period+1)
	for _, q := range quotes[period:] {
		ema = (q-ema)*k + ema
	}
	return ema
}

// SMA computes a simple moving average of the last period quotes, or of all
// quotes when fewer exist.
func SMA(quotes []float64, period int) float64 {
	if len(quotes) == 0 || period <= 0 {
		return 0
	}
	if len(quotes) < period {
		period = len(quotes)
	}
	window := quotes[len(quotes)-period:]
	var sum float64
	for _, q := range window {
		sum += q
	}
	return sum / float64(period)
}

// MACDResult is the MACD triple.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the 12/26 EMA difference with a 9-period signal line built
// from the MACD series itself.
func MACD(quotes []float64) MACDResult {
	if len(quotes) < macdSlowPeriod {
		return MACDResult{}
	}
	// Build the MACD series so the signal line is an EMA of real values.
	series := make([]float64, 0, len(quotes)-macdSlowPeriod+1)
	for i := macdSlowPeriod; i <= len(quotes); i++ {
		window := quotes[:i]
		series = append(series, EMA(window, macdFastPeriod)-EMA(window, macdSlowPeriod))
	}
	macd := series[len(series)-1]
	sig := EMA(series, macdSignalPeriod)
	return MACDResult{MACD: macd, Signal: sig, Histogram: macd - sig}
}

// BollingerResult holds the band triple and relative width.
type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
	Width  float64
}

// Bollinger computes 20-period bands at two standard deviations.
func Bollinger(quotes []float64) BollingerResult {
	if len(quotes) < bollingerPeriod {
		return BollingerResult{}
	}
	window := quotes[len(quotes)-bollingerPeriod:]
	var sum float64
	for _, q := range window {
		sum += q
	}
	middle := sum / bollingerPeriod
	var sq float64
	for _, q := range window {
		d := q - middle
		sq += d * d
	}
	std := math.Sqrt(sq / bollingerPeriod)
	upper := middle + bollingerStddevs*std
	lower := middle - bollingerStddevs*std
	var width float64
	if middle != 0 {
		width = (upper - lower) / middle
	}
	return BollingerResult{Upper: upper, Middle: middle, Lower: lower, Width: width}
}

// ATR approximates a 14-period average true range as the mean absolute
// quote-to-quote move.
func ATR(quotes []float64) float64 {
	if len(quotes) < atrPeriod+1 {
		return 0
	}
	window := quotes[len(quotes)-(atrPeriod+1):]
	var sum float64
	for i := 1; i < len(window); i++ {
		sum += math.Abs(window[i] - window[i-1])
	}
	return sum / atrPeriod
}

// ADX approximates directional strength over the window as
// |sum(up) - sum(down)| / (sum(up) + sum(down)) * 100.
func ADX(quotes []float64) float64 {
	if len(quotes) < adxPeriod+1 {
		return 0
	}
	window := quotes[len(quotes)-(adxPeriod+1):]
	var up, down float64
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			up += delta
		} else {
			down -= delta
		}
	}
	total := up + down
	if total == 0 {
		return 0
	}
	return math.Abs(up-down) / total * 100
}

// StochasticResult is the %K/%D pair.
type StochasticResult struct {
	K float64
	D float64
}

// Stochastic computes the 14-period %K with a 3-period smoothed %D.
func Stochastic(quotes []float64) StochasticResult {
	if len(quotes) < stochPeriod {
		return StochasticResult{K: 50, D: 50}
	}
	ks := make([]float64, 0, stochSmoothing)
	for off := stochSmoothing - 1; off >= 0; off-- {
		end := len(quotes) - off
		if end < stochPeriod {
			continue
		}
		window := quotes[end-stochPeriod : end]
		lo, hi := window[0], window[0]
		for _, q := range window {
			if q < lo {
				lo = q
			}
			if q > hi {
				hi = q
			}
		}
		k := 50.0
		if hi != lo {
			k = (window[len(window)-1] - lo) / (hi - lo) * 100
		}
		ks = append(ks, k)
	}
	var sum float64
	for _, k := range ks {
		sum += k
	}
	return StochasticResult{K: ks[len(ks)-1], D: sum / float64(len(ks))}
}

// Momentum is the relative change against the quote ten steps back.
func Momentum(quotes []float64) float64 {
	if len(quotes) < momentumPeriod+1 {
		return 0
	}
	base := quotes[len(quotes)-(momentumPeriod+1)]
	if base == 0 {
		return 0
	}
	return (quotes[len(quotes)-1] - base) / base
}

// Volatility is the coefficient of variation over the last 20 quotes.
func Volatility(quotes []float64) float64 {
	if len(quotes) < 2 {
		return 0
	}
	window := quotes
	if len(window) > volatilityPeriod {
		window = window[len(window)-volatilityPeriod:]
	}
	var sum float64
	for _, q := range window {
		sum += q
	}
	mean := sum / float64(len(window))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, q := range window {
		d := q - mean
		sq += d * d
	}
	return math.Sqrt(sq/float64(len(window))) / mean
}
