package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMigrationName(t *testing.T) {
	tests := []struct {
		filename    string
		version     int
		description string
		wantErr     bool
	}{
		{"001_initial_schema.sql", 1, "initial schema", false},
		{"012_add_trade_index.sql", 12, "add trade index", false},
		{"2_short.sql", 2, "short", false},
		{"noversion.sql", 0, "", true},
		{"_leading.sql", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			mig, err := parseMigrationName(tt.filename)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.version, mig.Version)
			assert.Equal(t, tt.description, mig.Description)
		})
	}
}

func TestLoadMigrationsOrdersAndFilters(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"002_second.sql":     "SELECT 2;",
		"001_first.sql":      "SELECT 1;",
		"010_tenth.sql":      "SELECT 10;",
		"001_first_down.sql": "SELECT -1;",
		"README.md":          "not a migration",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	require.NoError(t, err)

	require.Len(t, migrations, 3, "down migrations and non-sql files skipped")
	assert.Equal(t, []int{1, 2, 10}, []int{
		migrations[0].Version, migrations[1].Version, migrations[2].Version,
	})
	assert.Equal(t, "SELECT 1;", migrations[0].SQL)
}

func TestLoadMigrationsRejectsBadName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.sql"), []byte("SELECT 1;"), 0o644))

	m := NewMigrator(nil, dir)
	_, err := m.LoadMigrations()
	assert.Error(t, err)
}
