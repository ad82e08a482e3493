package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/config"
)

// NATSEmitter publishes core events onto NATS subjects for the external
// fan-out layer. Subject pattern: {prefix}{topic}, e.g. "trading.trade_settled".
type NATSEmitter struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NATSEmitterConfig configures the NATS emitter
type NATSEmitterConfig struct {
	URL    string
	Prefix string
	Name   string
}

// NewNATSEmitter connects to NATS and returns an emitter
func NewNATSEmitter(cfg NATSEmitterConfig) (*NATSEmitter, error) {
	logger := config.NewLogger("events")

	if cfg.Prefix == "" {
		cfg.Prefix = "trading."
	}
	if cfg.Name == "" {
		cfg.Name = "tradecore"
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info().
		Str("nats_url", cfg.URL).
		Str("prefix", cfg.Prefix).
		Msg("Event emitter initialized")

	return &NATSEmitter{
		nc:     nc,
		prefix: cfg.Prefix,
		log:    logger,
	}, nil
}

// Emit publishes one event. Publish failures are logged and swallowed so
// event emission can never abort a trade flow.
func (e *NATSEmitter) Emit(topic Topic, payload any) {
	ev, err := NewEvent(topic, payload)
	if err != nil {
		e.log.Error().Err(err).Str("topic", string(topic)).Msg("Failed to marshal event payload")
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		e.log.Error().Err(err).Str("topic", string(topic)).Msg("Failed to marshal event envelope")
		return
	}

	subject := e.prefix + string(topic)
	if err := e.nc.Publish(subject, data); err != nil {
		e.log.Warn().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish event")
		return
	}

	e.log.Debug().
		Str("event_id", ev.ID.String()).
		Str("subject", subject).
		Msg("Event published")
}

// Close drains and closes the NATS connection
func (e *NATSEmitter) Close() {
	if e.nc != nil {
		e.nc.Close()
		e.log.Info().Msg("Event emitter closed")
	}
}
