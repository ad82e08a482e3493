package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/optiqlabs/tradecore/internal/config"
	"github.com/optiqlabs/tradecore/internal/events"
	"github.com/optiqlabs/tradecore/internal/types"
)

// ErrInvalidTransition is returned for any status change the state machine
// does not allow.
var ErrInvalidTransition = errors.New("INVALID_TRANSITION")

// ErrSessionNotFound is returned when the session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionFull is returned when a join would exceed max_participants.
var ErrSessionFull = errors.New("session participant limit reached")

// Store is the durable side of the registry. Satisfied by *store.DB.
type Store interface {
	SaveSession(ctx context.Context, s types.Session) error
	ListLiveSessions(ctx context.Context) ([]types.Session, error)
}

// allowedTransitions is the session state machine.
var allowedTransitions = map[types.SessionStatus][]types.SessionStatus{
	types.SessionPending:   {types.SessionActive},
	types.SessionActive:    {types.SessionRunning, types.SessionPaused, types.SessionCompleted},
	types.SessionRunning:   {types.SessionPaused, types.SessionCompleted},
	types.SessionPaused:    {types.SessionRunning, types.SessionCompleted},
	types.SessionCompleted: {},
}

func transitionAllowed(from, to types.SessionStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Registry is the single owner of session and participant state. Every
// getter returns a deep snapshot; mutators build a new value and replace
// the entry atomically under the lock.
type Registry struct {
	log     zerolog.Logger
	emitter events.Emitter
	store   Store

	mu       sync.RWMutex
	sessions map[string]types.Session
	order    []string
}

// NewRegistry builds a registry. store and emitter may be nil; persistence
// and event emission are then skipped.
func NewRegistry(store Store, emitter events.Emitter) *Registry {
	return &Registry{
		log:      config.NewLogger("session"),
		emitter:  emitter,
		store:    store,
		sessions: make(map[string]types.Session),
	}
}

// Recover rebuilds the in-memory map from every live row in the store.
func (r *Registry) Recover(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	live, err := r.store.ListLiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range live {
		if s.Participants == nil {
			s.Participants = make(map[string]types.Participant)
		}
		r.sessions[s.ID] = s.Clone()
		r.order = append(r.order, s.ID)
	}
	r.log.Info().Int("sessions", len(live)).Msg("Session state recovered")
	return nil
}

// Create registers a new PENDING session and returns its snapshot.
func (r *Registry) Create(ctx context.Context, adminID string, cfg types.SessionConfig) (types.Session, error) {
	s := types.Session{
		ID:           uuid.NewString(),
		Status:       types.SessionPending,
		Config:       cfg,
		AdminID:      adminID,
		CreatedAt:    time.Now().UTC(),
		Participants: make(map[string]types.Participant),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s.Clone()
	r.order = append(r.order, s.ID)
	r.mu.Unlock()

	r.persist(ctx, s)
	r.log.Info().Str("session_id", s.ID).Str("admin_id", adminID).Msg("Session created")
	return s, nil
}

// Get returns a deep snapshot of the session.
func (r *Registry) Get(id string) (types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return types.Session{}, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// List returns snapshots of every session in registry order.
func (r *Registry) List() []types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Session, 0, len(r.order))
	for _, id := range r.order {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s.Clone())
		}
	}
	return out
}

// ActiveSessions returns snapshots of sessions currently accepting signals.
func (r *Registry) ActiveSessions() []types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Session
	for _, id := range r.order {
		s, ok := r.sessions[id]
		if ok && s.Status == types.SessionRunning {
			out = append(out, s.Clone())
		}
	}
	return out
}

// Transition moves the session through the state machine. Entering ACTIVE
// stamps started_at; entering COMPLETED stamps completed_at.
func (r *Registry) Transition(ctx context.Context, id string, to types.SessionStatus) (types.Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return types.Session{}, ErrSessionNotFound
	}
	if !transitionAllowed(s.Status, to) {
		from := s.Status
		r.mu.Unlock()
		return types.Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	next := s.Clone()
	next.Status = to
	now := time.Now().UTC()
	switch to {
	case types.SessionActive:
		next.StartedAt = &now
	case types.SessionCompleted:
		next.CompletedAt = &now
	}
	r.sessions[id] = next
	snapshot := next.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.emitStatus(snapshot)
	r.log.Info().
		Str("session_id", id).
		Str("from", string(s.Status)).
		Str("to", string(to)).
		Msg("Session transitioned")
	return snapshot, nil
}

// AddParticipant enrolls a user. Re-joining after removal revives the
// existing entry; joining past max_participants fails.
func (r *Registry) AddParticipant(ctx context.Context, id, userID string) (types.Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return types.Session{}, ErrSessionNotFound
	}

	next := s.Clone()
	existing, present := next.Participants[userID]
	if !present {
		limit := next.Config.MaxParticipants
		if limit > 0 && len(next.OrderedParticipants()) >= limit {
			r.mu.Unlock()
			return types.Session{}, ErrSessionFull
		}
		next.Participants[userID] = types.Participant{
			UserID:   userID,
			Status:   types.ParticipantActive,
			JoinedAt: time.Now().UTC(),
		}
		next.ParticipantOrder = append(next.ParticipantOrder, userID)
	} else if existing.Status == types.ParticipantRemoved {
		existing.Status = types.ParticipantActive
		next.Participants[userID] = existing
	}

	r.sessions[id] = next
	snapshot := next.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return snapshot, nil
}

// RemoveParticipant tombstones the participant; the entry and its PnL
// survive for accounting.
func (r *Registry) RemoveParticipant(ctx context.Context, id, userID string) (types.Session, error) {
	return r.mutateParticipant(ctx, id, userID, func(p *types.Participant) {
		p.Status = types.ParticipantRemoved
	})
}

// SetParticipantStatus updates one participant's status.
func (r *Registry) SetParticipantStatus(ctx context.Context, id, userID string, status types.ParticipantStatus) (types.Session, error) {
	return r.mutateParticipant(ctx, id, userID, func(p *types.Participant) {
		p.Status = status
	})
}

// UpdatePnL adds delta to the participant's PnL and to the session's
// aggregate.
func (r *Registry) UpdatePnL(ctx context.Context, id, userID string, delta float64) (types.Session, error) {
	return r.mutateParticipant(ctx, id, userID, func(p *types.Participant) {
		p.PnL += delta
	})
}

func (r *Registry) mutateParticipant(ctx context.Context, id, userID string, fn func(*types.Participant)) (types.Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return types.Session{}, ErrSessionNotFound
	}
	p, ok := s.Participants[userID]
	if !ok {
		r.mu.Unlock()
		return types.Session{}, fmt.Errorf("participant %s not in session %s", userID, id)
	}

	next := s.Clone()
	fn(&p)
	next.Participants[userID] = p
	next.Config.CurrentPnL = 0
	for _, part := range next.Participants {
		next.Config.CurrentPnL += part.PnL
	}
	r.sessions[id] = next
	snapshot := next.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return snapshot, nil
}

// SetPaused flips the config-level pause flag without a state transition.
func (r *Registry) SetPaused(ctx context.Context, id string, paused bool) (types.Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return types.Session{}, ErrSessionNotFound
	}
	next := s.Clone()
	next.Config.IsPaused = paused
	r.sessions[id] = next
	snapshot := next.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return snapshot, nil
}

// PauseByMarket pauses every RUNNING session that trades the market and
// returns the ids paused.
func (r *Registry) PauseByMarket(ctx context.Context, market string) []string {
	return r.shiftByMarket(ctx, market, types.SessionRunning, types.SessionPaused)
}

// ResumeByMarket resumes every PAUSED session that trades the market and
// returns the ids resumed.
func (r *Registry) ResumeByMarket(ctx context.Context, market string) []string {
	return r.shiftByMarket(ctx, market, types.SessionPaused, types.SessionRunning)
}

func (r *Registry) shiftByMarket(ctx context.Context, market string, from, to types.SessionStatus) []string {
	r.mu.RLock()
	var candidates []string
	for _, id := range r.order {
		s, ok := r.sessions[id]
		if ok && s.Status == from && s.Config.AllowsMarket(market) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	var shifted []string
	for _, id := range candidates {
		if _, err := r.Transition(ctx, id, to); err == nil {
			shifted = append(shifted, id)
		}
	}
	if len(shifted) > 0 {
		r.log.Info().
			Str("market", market).
			Str("to", string(to)).
			Strs("session_ids", shifted).
			Msg("Sessions shifted by market event")
	}
	return shifted
}

// UserRisk derives a user's aggregate risk state across their sessions.
// Satisfies the risk guard's UserRiskSource.
func (r *Registry) UserRisk(userID string) (types.UserRiskState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var state types.UserRiskState
	for _, s := range r.sessions {
		p, ok := s.Participants[userID]
		if !ok {
			continue
		}
		if p.Status == types.ParticipantOptedOut {
			state.IsOptedOut = true
		}
		if p.PnL < 0 {
			state.CurrentDrawdown += -p.PnL
		}
	}
	return state, nil
}

// persist writes the snapshot through to the store. Persistence failures
// are logged; in-memory state stays authoritative.
func (r *Registry) persist(ctx context.Context, s types.Session) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveSession(ctx, s); err != nil {
		r.log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to persist session")
	}
}

func (r *Registry) emitStatus(s types.Session) {
	if r.emitter == nil {
		return
	}
	r.emitter.Emit(events.TopicSessionStatusUpdate, events.SessionStatusUpdate{
		SessionID: s.ID,
		Status:    s.Status,
	})
}
