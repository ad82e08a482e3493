package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/config"
)

// Handler receives an emitted event payload for one topic.
type Handler func(topic Topic, payload any)

// Bus is an in-process emitter that dispatches to registered handlers and
// optionally mirrors every event to a downstream emitter (NATS). Components
// are wired to each other through it instead of reaching across packages.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]subscription
	nextID   int
	mirror   Emitter
	log      zerolog.Logger
}

type subscription struct {
	id int
	fn Handler
}

// Subscription detaches a handler when closed. Components that subscribe at
// start must unsubscribe at stop.
type Subscription struct {
	bus   *Bus
	topic Topic
	id    int
}

// NewBus creates an in-process event bus. mirror may be nil.
func NewBus(mirror Emitter) *Bus {
	return &Bus{
		handlers: make(map[Topic][]subscription),
		mirror:   mirror,
		log:      config.NewLogger("bus"),
	}
}

// Subscribe registers a handler for one topic and returns a detach handle.
func (b *Bus) Subscribe(topic Topic, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], subscription{id: b.nextID, fn: fn})
	return &Subscription{bus: b, topic: topic, id: b.nextID}
}

// Unsubscribe detaches the handler.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.handlers[s.topic]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.handlers[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus = nil
}

// Emit dispatches the payload to every handler for the topic, synchronously
// and in subscription order, then mirrors it downstream. Handler panics are
// contained so one bad consumer cannot take down the pipeline.
func (b *Bus) Emit(topic Topic, payload any) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[topic]...)
	mirror := b.mirror
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(topic, payload, sub.fn)
	}

	if mirror != nil {
		mirror.Emit(topic, payload)
	}
}

func (b *Bus) dispatch(topic Topic, payload any, fn Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("topic", string(topic)).
				Msg("Event handler panicked")
		}
	}()
	fn(topic, payload)
}

// Recorder is an Emitter that captures events for assertions in tests.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one captured emission.
type RecordedEvent struct {
	Topic   Topic
	Payload any
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records the event.
func (r *Recorder) Emit(topic Topic, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{Topic: topic, Payload: payload})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.events...)
}

// ByTopic returns recorded events for one topic.
func (r *Recorder) ByTopic(topic Topic) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedEvent
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}
