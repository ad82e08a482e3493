package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/optiqlabs/tradecore/internal/types"
)

// SessionRow is the persisted form of a session.
type SessionRow struct {
	ID               string
	Status           types.SessionStatus
	AdminID          string
	ConfigJSON       []byte
	ParticipantsJSON []byte
	OrderJSON        []byte
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// SaveSession upserts the full session state. Called on every registry
// mutation so a restart can recover in-flight sessions.
func (db *DB) SaveSession(ctx context.Context, s types.Session) error {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal session config: %w", err)
	}
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	order, err := json.Marshal(s.ParticipantOrder)
	if err != nil {
		return fmt.Errorf("failed to marshal participant order: %w", err)
	}

	query := `
		INSERT INTO sessions (
			id, status, admin_id, config, participants, participant_order,
			created_at, started_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			participants = EXCLUDED.participants,
			participant_order = EXCLUDED.participant_order,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = db.pool.Exec(ctx, query,
		s.ID, s.Status, s.AdminID, cfg, participants, order,
		s.CreatedAt, s.StartedAt, s.CompletedAt, time.Now(),
	)
	if err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to save session")
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession loads one session by id. Returns (nil, nil) when absent.
func (db *DB) GetSession(ctx context.Context, id string) (*types.Session, error) {
	query := `
		SELECT id, status, admin_id, config, participants, participant_order,
		       created_at, started_at, completed_at
		FROM sessions WHERE id = $1
	`
	row := db.pool.QueryRow(ctx, query, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s, nil
}

// ListLiveSessions returns every session that was not completed, for
// recovery after a restart.
func (db *DB) ListLiveSessions(ctx context.Context) ([]types.Session, error) {
	query := `
		SELECT id, status, admin_id, config, participants, participant_order,
		       created_at, started_at, completed_at
		FROM sessions
		WHERE status IN ('PENDING', 'ACTIVE', 'RUNNING', 'PAUSED')
		ORDER BY created_at
	`
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list live sessions: %w", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		s            types.Session
		cfg          []byte
		participants []byte
		order        []byte
	)
	err := row.Scan(&s.ID, &s.Status, &s.AdminID, &cfg, &participants, &order,
		&s.CreatedAt, &s.StartedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}

	conf, err := DecodeSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	s.Config = conf

	s.Participants = make(map[string]types.Participant)
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &s.Participants); err != nil {
			return nil, fmt.Errorf("failed to decode participants: %w", err)
		}
	}
	if len(order) > 0 {
		if err := json.Unmarshal(order, &s.ParticipantOrder); err != nil {
			return nil, fmt.Errorf("failed to decode participant order: %w", err)
		}
	}
	return &s, nil
}

// DecodeSessionConfig tolerates both encodings seen in stored rows: a plain
// JSON object and a double-encoded JSON string containing one.
func DecodeSessionConfig(raw []byte) (types.SessionConfig, error) {
	var cfg types.SessionConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err == nil {
		return cfg, nil
	}
	var quoted string
	if err := json.Unmarshal(raw, &quoted); err != nil {
		return cfg, fmt.Errorf("failed to decode session config: %w", err)
	}
	if err := json.Unmarshal([]byte(quoted), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode quoted session config: %w", err)
	}
	return cfg, nil
}
