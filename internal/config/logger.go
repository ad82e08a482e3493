package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the global logger
func InitLogger(level, format string) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer = os.Stdout
	if format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()

	log.Info().
		Str("level", logLevel.String()).
		Str("format", format).
		Msg("Logger initialized")
}

// NewLogger creates a new logger with a component name
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewSessionLogger creates a logger scoped to one trading session
func NewSessionLogger(sessionID string) zerolog.Logger {
	return log.With().
		Str("component", "session").
		Str("session_id", sessionID).
		Logger()
}

// NewOrderLogger creates a logger scoped to one order execution
func NewOrderLogger(tradeID, userID, market string) zerolog.Logger {
	return log.With().
		Str("component", "execution").
		Str("trade_id", tradeID).
		Str("user_id", userID).
		Str("market", market).
		Logger()
}
