package marketdata

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/metrics"
	"github.com/optiqlabs/tradecore/internal/types"
)

// volatilityWindow is the number of log returns in the rolling stddev.
const volatilityWindow = 20

// secondsPerYear annualizes per-second tick returns.
const secondsPerYear = 31536000.0

// Pipeline buffers raw broker ticks through a bounded queue and drains
// them to subscribers on a fixed cadence. It validates, deduplicates per
// market and enriches each tick with rolling volatility before fan-out.
type Pipeline struct {
	cfg config.PipelineConfig
	log zerolog.Logger

	mu        sync.Mutex
	queue     []types.Tick
	lastEpoch map[string]int64
	quotes    map[string][]float64
	subs      map[int64]*Subscription
	nextSubID int64
	draining  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Subscription is one consumer's handle onto the drained tick stream.
type Subscription struct {
	key int64
	ch  chan types.Tick
	p   *Pipeline
}

// Ticks returns the subscription's delivery channel.
func (s *Subscription) Ticks() <-chan types.Tick {
	return s.ch
}

// Unsubscribe detaches the consumer. The channel is not closed; a consumer
// ranging over it should select on its own done signal.
func (s *Subscription) Unsubscribe() {
	s.p.mu.Lock()
	delete(s.p.subs, s.key)
	s.p.mu.Unlock()
}

// New builds a pipeline with the configured queue bounds and drain cadence.
func New(cfg config.PipelineConfig) *Pipeline {
	if cfg.TickQueueCapacity <= 0 {
		cfg.TickQueueCapacity = 100
	}
	if cfg.TickOverflowDrop <= 0 {
		cfg.TickOverflowDrop = 10
	}
	if cfg.BatchIntervalMS <= 0 {
		cfg.BatchIntervalMS = 50
	}
	return &Pipeline{
		cfg:       cfg,
		log:       config.NewLogger("marketdata"),
		queue:     make([]types.Tick, 0, cfg.TickQueueCapacity),
		lastEpoch: make(map[string]int64),
		quotes:    make(map[string][]float64),
		subs:      make(map[int64]*Subscription),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the drain loop. It returns immediately; Stop ends it.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.BatchInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.drain()
			}
		}
	}()
}

// Stop halts the drain loop and waits for it to exit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Subscribe registers a consumer with the given channel buffer. Delivery
// never blocks the drainer: a full subscriber silently loses the tick.
func (p *Pipeline) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSubID++
	sub := &Subscription{key: p.nextSubID, ch: make(chan types.Tick, buffer), p: p}
	p.subs[sub.key] = sub
	return sub
}

// Ingest accepts one raw tick. Invalid ticks are counted and discarded;
// stale or duplicate epochs per market likewise. On a full queue the oldest
// batch is dropped to make room, counted as one overflow.
func (p *Pipeline) Ingest(t types.Tick) {
	m := metrics.Default()

	if t.Market == "" || t.Quote <= 0 || t.Epoch <= 0 {
		m.TicksInvalid.Inc()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.lastEpoch[t.Market]; ok && t.Epoch <= last {
		m.TicksDeduped.WithLabelValues(t.Market).Inc()
		return
	}
	p.lastEpoch[t.Market] = t.Epoch

	if len(p.queue) >= p.cfg.TickQueueCapacity {
		drop := p.cfg.TickOverflowDrop
		if drop > len(p.queue) {
			drop = len(p.queue)
		}
		p.queue = p.queue[drop:]
		m.QueueOverflows.Inc()
		m.TicksDropped.Add(float64(drop))
		p.log.Warn().Int("dropped", drop).Msg("Tick queue overflow, oldest batch dropped")
	}

	p.queue = append(p.queue, t)
	m.QueueDepth.Set(float64(len(p.queue)))
}

// drain flushes the queue to subscribers. Re-entry is refused so a slow
// pass never overlaps the next tick of the cadence.
func (p *Pipeline) drain() {
	p.mu.Lock()
	if p.draining || len(p.queue) == 0 {
		p.mu.Unlock()
		return
	}
	p.draining = true
	batch := p.queue
	p.queue = make([]types.Tick, 0, p.cfg.TickQueueCapacity)
	metrics.Default().QueueDepth.Set(0)
	subs := make([]*Subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for i := range batch {
		batch[i].Volatility = p.observeQuote(batch[i].Market, batch[i].Quote)
		for _, s := range subs {
			select {
			case s.ch <- batch[i]:
			default:
			}
		}
	}

	p.mu.Lock()
	p.draining = false
	p.mu.Unlock()
}

// observeQuote records the quote in the market's rolling window and returns
// the annualized stddev of log returns, zero until two quotes exist.
func (p *Pipeline) observeQuote(market string, quote float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := append(p.quotes[market], quote)
	if len(q) > volatilityWindow+1 {
		q = q[len(q)-(volatilityWindow+1):]
	}
	p.quotes[market] = q

	if len(q) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(q)-1)
	for i := 1; i < len(q); i++ {
		if q[i-1] > 0 {
			returns = append(returns, math.Log(q[i]/q[i-1]))
		}
	}
	if len(returns) == 0 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(returns)))

	return std * math.Sqrt(secondsPerYear)
}

// QueueDepth reports the number of ticks awaiting the next drain.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
