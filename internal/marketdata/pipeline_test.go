package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/metrics"
	"github.com/optiqlabs/tradecore/internal/types"
)

func testPipeline() *Pipeline {
	return New(config.PipelineConfig{
		TickQueueCapacity: 100,
		TickOverflowDrop:  10,
		BatchIntervalMS:   10,
	})
}

func tick(market string, epoch int64, quote float64) types.Tick {
	return types.Tick{Market: market, Epoch: epoch, Quote: quote}
}

func TestIngestRejectsInvalidTicks(t *testing.T) {
	p := testPipeline()

	p.Ingest(tick("", 1, 100))      // no market
	p.Ingest(tick("R_50", 1, 0))    // non-positive quote
	p.Ingest(tick("R_50", 1, -5))   // negative quote
	p.Ingest(tick("R_50", 0, 100))  // no epoch
	p.Ingest(tick("R_50", -1, 100)) // negative epoch

	assert.Equal(t, 0, p.QueueDepth())
}

func TestQueueDepthGaugeTracksQueue(t *testing.T) {
	p := testPipeline()

	p.Ingest(tick("R_50", 1, 100))
	p.Ingest(tick("R_50", 2, 101))
	p.Ingest(tick("R_50", 3, 102))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.Default().QueueDepth))

	p.drain()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Default().QueueDepth))
	assert.Equal(t, 0, p.QueueDepth())
}

func TestIngestDedupsPerMarket(t *testing.T) {
	p := testPipeline()

	p.Ingest(tick("R_50", 100, 1.0))
	p.Ingest(tick("R_50", 100, 1.1)) // duplicate epoch
	p.Ingest(tick("R_50", 99, 1.2))  // stale epoch
	p.Ingest(tick("R_50", 101, 1.3))
	p.Ingest(tick("R_100", 100, 2.0)) // same epoch, other market

	assert.Equal(t, 3, p.QueueDepth())
}

func TestOverflowDropsOldestBatch(t *testing.T) {
	p := testPipeline()

	for i := int64(1); i <= 100; i++ {
		p.Ingest(tick("R_50", i, 1.0))
	}
	require.Equal(t, 100, p.QueueDepth())

	// The 101st tick evicts the ten oldest and then lands.
	p.Ingest(tick("R_50", 101, 1.0))
	assert.Equal(t, 91, p.QueueDepth())

	p.mu.Lock()
	first := p.queue[0].Epoch
	last := p.queue[len(p.queue)-1].Epoch
	p.mu.Unlock()
	assert.Equal(t, int64(11), first)
	assert.Equal(t, int64(101), last)
}

func TestBurstKeepsQueueBounded(t *testing.T) {
	p := testPipeline()

	for i := int64(1); i <= 150; i++ {
		p.Ingest(tick("R_50", i, 1.0))
	}

	assert.LessOrEqual(t, p.QueueDepth(), 100)
}

func TestDrainDeliversToSubscribers(t *testing.T) {
	p := testPipeline()
	sub := p.Subscribe(16)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	p.Ingest(tick("R_50", 1, 100.0))
	p.Ingest(tick("R_50", 2, 100.5))

	var got []types.Tick
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case tk := <-sub.Ticks():
			got = append(got, tk)
		case <-deadline:
			t.Fatalf("only received %d of 2 ticks", len(got))
		}
	}
	assert.Equal(t, int64(1), got[0].Epoch)
	assert.Equal(t, int64(2), got[1].Epoch)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	p := testPipeline()
	sub := p.Subscribe(16)
	sub.Unsubscribe()

	p.Ingest(tick("R_50", 1, 100.0))
	p.drain()

	select {
	case <-sub.Ticks():
		t.Fatal("received a tick after unsubscribing")
	default:
	}
}

func TestSlowSubscriberDoesNotBlockDrain(t *testing.T) {
	p := testPipeline()
	sub := p.Subscribe(1) // room for a single tick
	defer sub.Unsubscribe()

	for i := int64(1); i <= 5; i++ {
		p.Ingest(tick("R_50", i, 1.0))
	}

	done := make(chan struct{})
	go func() {
		p.drain()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain blocked on a full subscriber")
	}

	tk := <-sub.Ticks()
	assert.Equal(t, int64(1), tk.Epoch)
}

func TestVolatilityEnrichment(t *testing.T) {
	p := testPipeline()
	sub := p.Subscribe(64)
	defer sub.Unsubscribe()

	// Flat quotes: volatility settles at zero after the first tick.
	quotes := []float64{100, 100, 100, 100}
	for i, q := range quotes {
		p.Ingest(tick("R_FLAT", int64(i+1), q))
	}
	// Moving quotes: volatility turns positive once returns exist.
	moving := []float64{100, 101, 99.5, 102}
	for i, q := range moving {
		p.Ingest(tick("R_MOVE", int64(i+1), q))
	}
	p.drain()

	var flat, move []types.Tick
	for len(flat)+len(move) < len(quotes)+len(moving) {
		select {
		case tk := <-sub.Ticks():
			if tk.Market == "R_FLAT" {
				flat = append(flat, tk)
			} else {
				move = append(move, tk)
			}
		case <-time.After(time.Second):
			t.Fatal("missing ticks from drain")
		}
	}

	assert.Zero(t, flat[0].Volatility, "first tick has no return history")
	assert.Zero(t, flat[3].Volatility, "flat quotes have zero volatility")
	assert.Greater(t, move[3].Volatility, 0.0, "moving quotes have positive volatility")
}

func TestDrainOnEmptyQueueIsNoop(t *testing.T) {
	p := testPipeline()
	p.drain()
	assert.Equal(t, 0, p.QueueDepth())
}
