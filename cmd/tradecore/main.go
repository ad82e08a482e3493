package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/broker"
	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/events"
	"github.com/optiqlabs/tradecore/internal/execution"
	"github.com/optiqlabs/tradecore/internal/marketdata"
	"github.com/optiqlabs/tradecore/internal/metrics"
	"github.com/optiqlabs/tradecore/internal/orchestrator"
	"github.com/optiqlabs/tradecore/internal/risk"
	"github.com/optiqlabs/tradecore/internal/session"
	sig "github.com/optiqlabs/tradecore/internal/signal"
	"github.com/optiqlabs/tradecore/internal/store"

	"golang.org/x/sync/errgroup"
)

// reconcileInterval is how often the settlement reconciler sweeps open trades.
const reconcileInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "Path to config file (optional, env vars work too)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")
	logger.Info().
		Str("environment", cfg.App.Environment).
		Msg("Starting tradecore")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("tradecore exited with error")
	}
	logger.Info().Msg("tradecore stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence.
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Optional Redis for cross-process idempotency. Without it the
	// executor falls back to its in-process store.
	var keyStore execution.KeyStore
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		keyStore = execution.NewRedisKeyStore(rdb)
		logger.Info().Str("addr", cfg.Redis.GetRedisAddr()).Msg("Redis idempotency store enabled")
	}

	// Event bus, optionally mirrored to NATS for external consumers.
	var mirror events.Emitter
	if cfg.NATS.Enabled {
		emitter, err := events.NewNATSEmitter(events.NATSEmitterConfig{
			URL:    cfg.NATS.URL,
			Prefix: cfg.NATS.Prefix,
			Name:   cfg.App.Name,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer emitter.Close()
		mirror = emitter
	}
	bus := events.NewBus(mirror)

	// Core components.
	pipeline := marketdata.New(cfg.Pipeline)
	engine := sig.NewEngine(bus)
	guard := risk.NewGuard(cfg.Risk, bus)

	registry := session.NewRegistry(db, bus)
	if err := registry.Recover(ctx); err != nil {
		return fmt.Errorf("session recovery failed: %w", err)
	}

	gate := execution.NewGate(keyStore, cfg.Execution.IdempotencyTTL())
	orderFactory := func() (execution.BrokerSession, error) {
		return broker.New(broker.OptionsFromConfig(cfg.Broker, false))
	}
	exec := execution.NewExecutor(cfg.Execution, gate, orderFactory, db, db, bus, nil)
	reconciler := execution.NewReconciler(db, db, orderFactory)

	orch := orchestrator.New(bus, pipeline, engine, guard, registry, exec, cfg.Execution.DefaultStake)

	// Shared market data feed. Orders use their own short-lived clients;
	// this one stays up and reconnects on its own.
	feed, err := broker.New(broker.OptionsFromConfig(cfg.Broker, true))
	if err != nil {
		return fmt.Errorf("failed to build feed client: %w", err)
	}
	if err := feed.Connect(ctx); err != nil {
		// The feed retries in the background, so a cold broker at boot
		// is not fatal.
		logger.Warn().Err(err).Msg("Initial feed connect failed, reconnecting in background")
	}
	defer feed.Disconnect()

	pipeline.Start(ctx)
	defer pipeline.Stop()
	orch.Start(ctx)
	defer orch.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Monitoring.EnableMetrics {
		metricsSrv := metrics.NewServer(cfg.Monitoring.PrometheusPort)
		g.Go(metricsSrv.Start)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	// Feed loop: subscribe the configured markets once connected, then
	// shovel ticks into the pipeline. The client replays subscriptions
	// after every reconnect on its own.
	g.Go(func() error {
		subscribed := false
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-feed.Events():
				switch ev.Kind {
				case broker.EventConnected:
					if !subscribed {
						subscribed = true
						for _, market := range cfg.Broker.Markets {
							if err := feed.SubscribeTicks(ctx, market); err != nil {
								logger.Error().Err(err).Str("market", market).Msg("Failed to subscribe market")
							}
						}
					}
				case broker.EventTick:
					if ev.Tick != nil {
						pipeline.Ingest(*ev.Tick)
					}
				case broker.EventCircuitOpen:
					logger.Error().Str("reason", ev.Reason).Msg("Feed circuit breaker opened")
				}
			}
		}
	})

	// Reconciler sweep: settle trades the executor left OPEN, e.g. after
	// a settlement timeout or a crash mid-monitor.
	g.Go(func() error {
		ticker := time.NewTicker(reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := reconciler.Run(ctx); err != nil {
					logger.Warn().Err(err).Msg("Reconciler sweep failed")
				}
			}
		}
	})

	logger.Info().Strs("markets", cfg.Broker.Markets).Msg("tradecore running")
	return g.Wait()
}
