package broker

import "github.com/optiqlabs/tradecore/internal/types"

// EventKind discriminates the client's event variants.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventTick         EventKind = "tick"
	EventSettled      EventKind = "settled"
	EventHeartbeat    EventKind = "heartbeat"
	EventCircuitOpen  EventKind = "circuit_breaker_opened"
	EventError        EventKind = "error"
)

// Event is one occurrence on the client's event stream. Exactly the fields
// for the kind are populated.
type Event struct {
	Kind       EventKind
	Tick       *types.Tick
	Settlement *Settlement
	Reason     string
	LatencyMS  float64
	Err        error
}

// emit delivers an event without ever blocking the read loop. If the
// consumer lags, the oldest event is discarded first.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}
