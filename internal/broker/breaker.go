package broker

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/optiqlabs/tradecore/internal/metrics"
)

// connBreaker guards connect attempts against failure bursts. Failures
// (abnormal closes, connect errors) are counted inside a windowed interval;
// at the configured threshold the breaker opens, new connects are refused
// and pending reconnects cancel. After the open timeout it resets.
type connBreaker struct {
	cb       *gobreaker.TwoStepCircuitBreaker
	onOpen   func(reason string)
}

// newConnBreaker builds a breaker with the given failure window and
// threshold. onOpen fires once per transition into the open state.
func newConnBreaker(window time.Duration, threshold int, onOpen func(reason string)) *connBreaker {
	b := &connBreaker{onOpen: onOpen}

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "broker-conn",
		MaxRequests: 1,
		Interval:    window,
		Timeout:     window,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.TotalFailures) >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m := metrics.Default()
			switch to {
			case gobreaker.StateClosed:
				m.BreakerState.Set(0)
			case gobreaker.StateOpen:
				m.BreakerState.Set(1)
				if b.onOpen != nil {
					b.onOpen("failure threshold reached")
				}
			case gobreaker.StateHalfOpen:
				m.BreakerState.Set(2)
			}
		},
	})

	return b
}

// allow reports whether a connect attempt may proceed. The returned done
// func must be called with the attempt's outcome.
func (b *connBreaker) allow() (done func(success bool), err error) {
	d, err := b.cb.Allow()
	if err != nil {
		return nil, ErrCircuitOpen
	}
	return d, nil
}

// recordFailure counts a failure (abnormal close, heartbeat death) toward
// the window without a preceding allow call.
func (b *connBreaker) recordFailure() {
	done, err := b.cb.Allow()
	if err != nil {
		return // already open
	}
	done(false)
}

// open reports whether the breaker currently refuses connects.
func (b *connBreaker) open() bool {
	return b.cb.State() == gobreaker.StateOpen
}
