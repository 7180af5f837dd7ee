package migration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/erp/marketsync/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"add sync runs", "add_sync_runs"},
		{"Add-Sync-Runs", "add_sync_runs"},
		{"ADD_SYNC_RUNS", "add_sync_runs"},
		{"add__sync__runs", "add_sync_runs"},
		{"Order History 2", "order_history_2"},
		{"   spaces   ", "spaces"},
		{"special!@#$chars", "specialchars"},
		{"trailing_", "trailing"},
		{"_leading", "leading"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeName(tt.input))
		})
	}
}

func TestNextVersion(t *testing.T) {
	assert.Equal(t, 1, NextVersion(nil))
	assert.Equal(t, 4, NextVersion([]string{"000001_init", "000003_history", "000002_runs"}))
	assert.Equal(t, 2, NextVersion([]string{"000001_init", "notes_draft"}))
}

func TestCreateMigration(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "000001_create_sync_tables.up.sql"), []byte("--"), 0o644))

	mf, err := CreateMigration(tmpDir, "add run labels", "Label sync runs")
	require.NoError(t, err)

	assert.Equal(t, "000002", mf.Version)
	assert.Equal(t, "000002_add_run_labels.up.sql", filepath.Base(mf.UpPath))
	upBase := strings.TrimSuffix(filepath.Base(mf.UpPath), ".up.sql")
	downBase := strings.TrimSuffix(filepath.Base(mf.DownPath), ".down.sql")
	assert.Equal(t, upBase, downBase)

	upContent, err := os.ReadFile(mf.UpPath)
	require.NoError(t, err)
	assert.Contains(t, string(upContent), "add run labels")
	assert.Contains(t, string(upContent), "Label sync runs")

	downContent, err := os.ReadFile(mf.DownPath)
	require.NoError(t, err)
	assert.Contains(t, string(downContent), "Rollback")
}

func TestCreateMigration_CreatesDirectory(t *testing.T) {
	nestedPath := filepath.Join(t.TempDir(), "nested", "migrations")

	mf, err := CreateMigration(nestedPath, "init", "")
	require.NoError(t, err)
	assert.Equal(t, "000001", mf.Version)

	info, err := os.Stat(nestedPath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestListMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"000002_add_history.up.sql":   {Data: []byte("--")},
		"000002_add_history.down.sql": {Data: []byte("--")},
		"000001_init.up.sql":          {Data: []byte("--")},
		"000001_init.down.sql":        {Data: []byte("--")},
		"README.md":                   {Data: []byte("docs")},
		"subdir.up.sql/keep":          {Data: []byte("")},
	}

	names, err := ListMigrations(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_init", "000002_add_history"}, names)
}

func TestListMigrations_NonexistentDirectory(t *testing.T) {
	names, err := ListMigrations(os.DirFS("/nonexistent/path/to/migrations"))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestListMigrations_EmbeddedSchema(t *testing.T) {
	names, err := ListMigrations(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "000001_create_sync_tables", names[0])

	for _, name := range names {
		_, err := migrations.FS.ReadFile(name + ".down.sql")
		assert.NoError(t, err, "every up migration needs a down migration")
	}
}
