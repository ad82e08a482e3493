package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migration is one versioned schema change loaded from a .sql file.
type Migration struct {
	Version     int
	Description string
	SQL         string
	Filename    string
}

// Migrator applies versioned .sql files from a directory, tracking the
// applied version in a schema_version table.
type Migrator struct {
	db  *DB
	dir string
}

// NewMigrator creates a migration runner over an open database.
func NewMigrator(db *DB, dir string) *Migrator {
	return &Migrator{db: db, dir: dir}
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			description TEXT
		)
	`
	_, err := m.db.pool.Exec(ctx, query)
	return err
}

// CurrentVersion returns the highest applied migration version, 0 when none.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureVersionTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure schema_version table: %w", err)
	}
	var version int
	err := m.db.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// LoadMigrations reads and orders the migration files in the directory.
// Filenames follow NNN_description.sql; _down.sql files are skipped.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if strings.HasSuffix(entry.Name(), "_down.sql") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		mig, err := parseMigrationName(entry.Name())
		if err != nil {
			return nil, err
		}
		mig.SQL = string(content)
		migrations = append(migrations, mig)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationName extracts version and description from NNN_description.sql.
func parseMigrationName(filename string) (Migration, error) {
	base := strings.TrimSuffix(filename, ".sql")
	idx := strings.Index(base, "_")
	if idx <= 0 {
		return Migration{}, fmt.Errorf("invalid migration filename: %s (expected NNN_description.sql)", filename)
	}
	var version int
	if _, err := fmt.Sscanf(base[:idx], "%d", &version); err != nil {
		return Migration{}, fmt.Errorf("invalid migration filename: %s (expected NNN_description.sql)", filename)
	}
	return Migration{
		Version:     version,
		Description: strings.ReplaceAll(base[idx+1:], "_", " "),
		Filename:    filename,
	}, nil
}

// Up applies every pending migration in version order, each inside its own
// transaction. Returns the number applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}

		tx, err := m.db.pool.Begin(ctx)
		if err != nil {
			return applied, fmt.Errorf("failed to begin transaction for %s: %w", mig.Filename, err)
		}
		if _, err := tx.Exec(ctx, mig.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("failed to apply %s: %w", mig.Filename, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_version (version, description) VALUES ($1, $2)",
			mig.Version, mig.Description,
		); err != nil {
			_ = tx.Rollback(ctx)
			return applied, fmt.Errorf("failed to record %s: %w", mig.Filename, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return applied, fmt.Errorf("failed to commit %s: %w", mig.Filename, err)
		}
		applied++
	}
	return applied, nil
}
