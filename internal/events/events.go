package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/optiqlabs/tradecore/internal/types"
)

// Topic identifies one of the outbound event streams the core emits.
// An external fan-out layer routes these to end users; the core only
// publishes.
type Topic string

const (
	TopicSignalEmitted       Topic = "signal_emitted"
	TopicRiskCheckCompleted  Topic = "risk_check_completed"
	TopicTradeExecuted       Topic = "trade_executed"
	TopicTradeSettled        Topic = "trade_settled"
	TopicSessionStatusUpdate Topic = "session_status_update"
)

// Event is the envelope every outbound event travels in.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Topic     Topic           `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionStatusUpdate is the payload for session lifecycle changes.
type SessionStatusUpdate struct {
	SessionID string              `json:"session_id"`
	Status    types.SessionStatus `json:"status"`
	Reason    string              `json:"reason,omitempty"`
}

// Emitter publishes events without routing them. Implementations must not
// block the caller beyond a short publish budget; a failed publish is
// logged, never propagated into the trading flow.
type Emitter interface {
	Emit(topic Topic, payload any)
}

// NewEvent wraps a payload in an event envelope.
func NewEvent(topic Topic, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}
