package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optiqlabs/tradecore/internal/events"
	"github.com/optiqlabs/tradecore/internal/types"
)

// memStore is an in-memory Store used in place of the database.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]types.Session
	saves    int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]types.Session)}
}

func (m *memStore) SaveSession(_ context.Context, s types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	m.saves++
	return nil
}

func (m *memStore) ListLiveSessions(_ context.Context) ([]types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Session
	for _, s := range m.sessions {
		switch s.Status {
		case types.SessionPending, types.SessionActive, types.SessionRunning, types.SessionPaused:
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func defaultCfg() types.SessionConfig {
	return types.SessionConfig{
		RiskProfile:         types.RiskProfileMedium,
		MaxStake:            50,
		MinConfidence:       0.65,
		GlobalLossThreshold: 100,
		MaxParticipants:     3,
	}
}

func ctx() context.Context { return context.Background() }

func TestCreateStartsPending(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	s, err := r.Create(ctx(), "admin", defaultCfg())
	require.NoError(t, err)

	assert.Equal(t, types.SessionPending, s.Status)
	assert.NotEmpty(t, s.ID)
	assert.Nil(t, s.StartedAt)
}

func TestStateMachineTransitions(t *testing.T) {
	cases := []struct {
		name string
		path []types.SessionStatus
		ok   bool
	}{
		{"full lifecycle", []types.SessionStatus{types.SessionActive, types.SessionRunning, types.SessionPaused, types.SessionRunning, types.SessionCompleted}, true},
		{"active direct to completed", []types.SessionStatus{types.SessionActive, types.SessionCompleted}, true},
		{"pending to running", []types.SessionStatus{types.SessionRunning}, false},
		{"pending to completed", []types.SessionStatus{types.SessionCompleted}, false},
		{"completed is terminal", []types.SessionStatus{types.SessionActive, types.SessionCompleted, types.SessionRunning}, false},
		{"running back to active", []types.SessionStatus{types.SessionActive, types.SessionRunning, types.SessionActive}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(newMemStore(), nil)
			s, err := r.Create(ctx(), "admin", defaultCfg())
			require.NoError(t, err)

			var lastErr error
			for _, to := range tc.path {
				_, lastErr = r.Transition(ctx(), s.ID, to)
				if lastErr != nil {
					break
				}
			}
			if tc.ok {
				assert.NoError(t, lastErr)
			} else {
				assert.ErrorIs(t, lastErr, ErrInvalidTransition)
			}
		})
	}
}

func TestTransitionStampsTimestamps(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	s, _ := r.Create(ctx(), "admin", defaultCfg())

	s2, err := r.Transition(ctx(), s.ID, types.SessionActive)
	require.NoError(t, err)
	require.NotNil(t, s2.StartedAt)
	assert.Nil(t, s2.CompletedAt)

	s3, err := r.Transition(ctx(), s.ID, types.SessionCompleted)
	require.NoError(t, err)
	require.NotNil(t, s3.CompletedAt)
	assert.Equal(t, s2.StartedAt.Unix(), s3.StartedAt.Unix())
}

func TestTransitionEmitsStatusUpdate(t *testing.T) {
	rec := &events.Recorder{}
	r := NewRegistry(newMemStore(), rec)
	s, _ := r.Create(ctx(), "admin", defaultCfg())

	_, err := r.Transition(ctx(), s.ID, types.SessionActive)
	require.NoError(t, err)

	updates := rec.ByTopic(events.TopicSessionStatusUpdate)
	require.Len(t, updates, 1)

	upd, ok := updates[0].Payload.(events.SessionStatusUpdate)
	require.True(t, ok)
	assert.Equal(t, s.ID, upd.SessionID)
	assert.Equal(t, types.SessionActive, upd.Status)
}

func TestParticipantLimit(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	s, _ := r.Create(ctx(), "admin", defaultCfg()) // limit 3

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := r.AddParticipant(ctx(), s.ID, u)
		require.NoError(t, err)
	}
	_, err := r.AddParticipant(ctx(), s.ID, "u4")
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestRemoveTombstonesParticipant(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	s, _ := r.Create(ctx(), "admin", defaultCfg())
	_, err := r.AddParticipant(ctx(), s.ID, "u1")
	require.NoError(t, err)

	s2, err := r.RemoveParticipant(ctx(), s.ID, "u1")
	require.NoError(t, err)

	p, ok := s2.Participants["u1"]
	require.True(t, ok, "removed participants stay as tombstones")
	assert.Equal(t, types.ParticipantRemoved, p.Status)
	assert.Empty(t, s2.OrderedParticipants())

	// A tombstoned slot frees capacity and can be revived by re-joining.
	s3, err := r.AddParticipant(ctx(), s.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.ParticipantActive, s3.Participants["u1"].Status)
	assert.Equal(t, []string{"u1"}, orderedIDs(s3))
}

func orderedIDs(s types.Session) []string {
	var out []string
	for _, p := range s.OrderedParticipants() {
		out = append(out, p.UserID)
	}
	return out
}

func TestParticipantOrderIsInsertionOrder(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	cfg := defaultCfg()
	cfg.MaxParticipants = 0 // unlimited
	s, _ := r.Create(ctx(), "admin", cfg)

	users := []string{"zeta", "alpha", "mid"}
	for _, u := range users {
		_, err := r.AddParticipant(ctx(), s.ID, u)
		require.NoError(t, err)
	}

	snap, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, users, orderedIDs(snap))
}

func TestUpdatePnLIsAdditive(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	s, _ := r.Create(ctx(), "admin", defaultCfg())
	_, err := r.AddParticipant(ctx(), s.ID, "u1")
	require.NoError(t, err)

	_, err = r.UpdatePnL(ctx(), s.ID, "u1", 12.5)
	require.NoError(t, err)
	s2, err := r.UpdatePnL(ctx(), s.ID, "u1", -5)
	require.NoError(t, err)

	assert.InDelta(t, 7.5, s2.Participants["u1"].PnL, 1e-9)
	assert.InDelta(t, 7.5, s2.Config.CurrentPnL, 1e-9, "session PnL aggregates participants")
}

func TestSnapshotsAreDeepCopies(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	s, _ := r.Create(ctx(), "admin", defaultCfg())
	_, err := r.AddParticipant(ctx(), s.ID, "u1")
	require.NoError(t, err)

	snap, err := r.Get(s.ID)
	require.NoError(t, err)
	p := snap.Participants["u1"]
	p.PnL = 9999
	snap.Participants["u1"] = p
	snap.ParticipantOrder[0] = "mutated"

	fresh, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Zero(t, fresh.Participants["u1"].PnL)
	assert.Equal(t, "u1", fresh.ParticipantOrder[0])
}

func TestPauseAndResumeByMarket(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)

	mkRunning := func(markets []string) string {
		cfg := defaultCfg()
		cfg.AllowedMarkets = markets
		s, _ := r.Create(ctx(), "admin", cfg)
		_, err := r.Transition(ctx(), s.ID, types.SessionActive)
		require.NoError(t, err)
		_, err = r.Transition(ctx(), s.ID, types.SessionRunning)
		require.NoError(t, err)
		return s.ID
	}

	anyMarket := mkRunning(nil)                       // empty allow-list trades everything
	r50Only := mkRunning([]string{"R_50"})            //
	other := mkRunning([]string{"frxEURUSD", "R_75"}) // does not trade R_50

	paused := r.PauseByMarket(ctx(), "R_50")
	assert.ElementsMatch(t, []string{anyMarket, r50Only}, paused)

	s, _ := r.Get(other)
	assert.Equal(t, types.SessionRunning, s.Status)

	resumed := r.ResumeByMarket(ctx(), "R_50")
	assert.ElementsMatch(t, []string{anyMarket, r50Only}, resumed)
	for _, id := range resumed {
		s, _ := r.Get(id)
		assert.Equal(t, types.SessionRunning, s.Status)
	}
}

func TestRecoveryRebuildsLiveSessions(t *testing.T) {
	st := newMemStore()

	// First registry lifetime: create and advance sessions.
	r1 := NewRegistry(st, nil)
	running, _ := r1.Create(ctx(), "admin", defaultCfg())
	_, err := r1.Transition(ctx(), running.ID, types.SessionActive)
	require.NoError(t, err)
	_, err = r1.Transition(ctx(), running.ID, types.SessionRunning)
	require.NoError(t, err)
	_, err = r1.AddParticipant(ctx(), running.ID, "u1")
	require.NoError(t, err)
	_, err = r1.UpdatePnL(ctx(), running.ID, "u1", -3)
	require.NoError(t, err)

	done, _ := r1.Create(ctx(), "admin", defaultCfg())
	_, err = r1.Transition(ctx(), done.ID, types.SessionActive)
	require.NoError(t, err)
	_, err = r1.Transition(ctx(), done.ID, types.SessionCompleted)
	require.NoError(t, err)

	// Second lifetime: recover from the store.
	r2 := NewRegistry(st, nil)
	require.NoError(t, r2.Recover(ctx()))

	s, err := r2.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionRunning, s.Status)
	assert.InDelta(t, -3, s.Participants["u1"].PnL, 1e-9)

	_, err = r2.Get(done.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound, "completed sessions are not recovered")
}

func TestUserRiskAggregatesAcrossSessions(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	for i := 0; i < 2; i++ {
		s, _ := r.Create(ctx(), "admin", defaultCfg())
		_, err := r.AddParticipant(ctx(), s.ID, "u1")
		require.NoError(t, err)
		_, err = r.UpdatePnL(ctx(), s.ID, "u1", -10)
		require.NoError(t, err)
	}

	state, err := r.UserRisk("u1")
	require.NoError(t, err)
	assert.InDelta(t, 20, state.CurrentDrawdown, 1e-9)
	assert.False(t, state.IsOptedOut)
}

func TestOptedOutParticipantSurfacesInUserRisk(t *testing.T) {
	r := NewRegistry(newMemStore(), nil)
	s, _ := r.Create(ctx(), "admin", defaultCfg())
	_, err := r.AddParticipant(ctx(), s.ID, "u1")
	require.NoError(t, err)
	_, err = r.SetParticipantStatus(ctx(), s.ID, "u1", types.ParticipantOptedOut)
	require.NoError(t, err)

	state, err := r.UserRisk("u1")
	require.NoError(t, err)
	assert.True(t, state.IsOptedOut)
}

func TestEveryMutationPersists(t *testing.T) {
	st := newMemStore()
	r := NewRegistry(st, nil)
	s, _ := r.Create(ctx(), "admin", defaultCfg())
	_, err := r.Transition(ctx(), s.ID, types.SessionActive)
	require.NoError(t, err)
	_, err = r.AddParticipant(ctx(), s.ID, "u1")
	require.NoError(t, err)
	_, err = r.UpdatePnL(ctx(), s.ID, "u1", 1)
	require.NoError(t, err)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, 4, st.saves)
}
