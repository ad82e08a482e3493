package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds all Prometheus metrics for the trading pipeline.
type Collectors struct {
	TicksReceived  *prometheus.CounterVec
	TicksDeduped   *prometheus.CounterVec
	TicksInvalid   prometheus.Counter
	QueueOverflows prometheus.Counter
	TicksDropped   prometheus.Counter
	QueueDepth     prometheus.Gauge

	SignalsEmitted *prometheus.CounterVec
	RiskChecks     *prometheus.CounterVec
	Trades         *prometheus.CounterVec

	BreakerState     prometheus.Gauge
	BrokerReconnects prometheus.Counter
	HeartbeatLatency prometheus.Histogram
	RequestTimeouts  prometheus.Counter
}

var (
	global *Collectors
	once   sync.Once
)

// Default returns the process-wide collectors, registering them exactly once.
func Default() *Collectors {
	once.Do(func() {
		global = &Collectors{
			TicksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradecore_ticks_received_total",
				Help: "Ticks received from the broker stream",
			}, []string{"market"}),
			TicksDeduped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradecore_ticks_deduped_total",
				Help: "Ticks dropped as duplicates (epoch not strictly increasing)",
			}, []string{"market"}),
			TicksInvalid: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradecore_ticks_invalid_total",
				Help: "Ticks dropped by schema validation",
			}),
			QueueOverflows: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradecore_tick_queue_overflows_total",
				Help: "Tick queue overflow events",
			}),
			TicksDropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradecore_ticks_dropped_total",
				Help: "Ticks discarded by the overflow policy",
			}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradecore_tick_queue_depth",
				Help: "Current tick queue depth",
			}),
			SignalsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradecore_signals_emitted_total",
				Help: "Trading signals emitted by the signal engine",
			}, []string{"market", "type"}),
			RiskChecks: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradecore_risk_checks_total",
				Help: "Risk guard evaluations by result",
			}, []string{"result"}),
			Trades: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradecore_trades_total",
				Help: "Trades by lifecycle status",
			}, []string{"status"}),
			BreakerState: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradecore_broker_circuit_state",
				Help: "Broker circuit breaker state (0=closed, 1=open, 2=half_open)",
			}),
			BrokerReconnects: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradecore_broker_reconnects_total",
				Help: "Broker WebSocket reconnect attempts",
			}),
			HeartbeatLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "tradecore_broker_heartbeat_latency_seconds",
				Help:    "Measured broker heartbeat round-trip latency",
				Buckets: prometheus.DefBuckets,
			}),
			RequestTimeouts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradecore_broker_request_timeouts_total",
				Help: "Outbound broker requests that timed out",
			}),
		}
	})
	return global
}
