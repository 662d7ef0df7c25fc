package store

import (
	"database/sql"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var storeTables = []string{"batches", "runs", "dataset_rows"}

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.FileExists(t, path)
	for _, name := range storeTables {
		assert.True(t, tableExists(t, s.db, name), "table %q", name)
	}
}

func TestOpen_ReopenKeepsSchemaAndData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "open %d", i)
		if i == 0 {
			_, err = s.db.Exec(`INSERT INTO batches (id, name, policy, columns, tasks, started_at, finished_at)
				VALUES ('b1', 'keep', 'rows', '[]', 0, '2024-03-01T12:00:00Z', '2024-03-01T12:00:01Z')`)
			require.NoError(t, err)
		}
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, name := range storeTables {
		assert.True(t, tableExists(t, s.db, name), "table %q missing after reopen", name)
	}
	assert.Contains(t, tableIndexes(t, s.db, "runs"), "idx_runs_kind")
	assert.Contains(t, tableIndexes(t, s.db, "batches"), "idx_batches_config")

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM batches").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/runs.db")
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	assert.NoError(t, (&Store{}).Close(), "nil db")

	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NotPanics(t, func() { _ = s.Close() })
}

func TestDB_ReturnsUsableConnection(t *testing.T) {
	s := createTestStore(t)
	require.NotNil(t, s.DB())
	assert.NoError(t, s.DB().Ping())
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		pragma string
		want   string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.pragma, func(t *testing.T) {
			assert.NoError(t, s.verifyPragma(tt.pragma, tt.want))
		})
	}
}

func TestSchema_Columns(t *testing.T) {
	s := createTestStore(t)

	want := map[string][]string{
		"batches":      {"id", "name", "description", "policy", "columns", "tasks", "started_at", "finished_at", "config_hash"},
		"runs":         {"batch_id", "run", "kind", "error", "row_count", "params", "duration_ns"},
		"dataset_rows": {"batch_id", "seq", "data"},
	}
	for table, cols := range want {
		got := tableColumns(t, s.db, table)
		for _, col := range cols {
			assert.Contains(t, got, col, "%s.%s", table, col)
		}
	}
}

func TestConstraint_RunRequiresBatch(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`
		INSERT INTO runs (batch_id, run, kind, row_count, params, duration_ns)
		VALUES ('missing', 0, 'ok', 0, '[]', 0)
	`)
	assert.Error(t, err, "foreign key should reject a run without its batch")
}

func TestMigration_SchemaVersionStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err)
		assert.Equal(t, currentSchemaVersion, userVersion(t, s.db), "open %d", i)
		require.NoError(t, s.Close())
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	// A database written before migrations existed: base schema only.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	require.NotContains(t, tableIndexes(t, db, "runs"), "idx_runs_kind")
	has, err := hasColumn(db, "batches", "config_hash")
	require.NoError(t, err)
	require.False(t, has)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, currentSchemaVersion, userVersion(t, s.db))
	assert.Contains(t, tableIndexes(t, s.db, "runs"), "idx_runs_kind")
	assert.Contains(t, tableIndexes(t, s.db, "batches"), "idx_batches_config")
	has, err = hasColumn(s.db, "batches", "config_hash")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMigration_UpgradeFromV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	require.NoError(t, migrateToV1(db))
	_, err = db.Exec(`INSERT INTO batches (id, name, policy, columns, tasks, started_at, finished_at)
		VALUES ('old', 'before_v2', 'rows', '[]', 1, '2024-03-01T12:00:00Z', '2024-03-01T12:00:01Z')`)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var hash string
	require.NoError(t, s.db.QueryRow("SELECT config_hash FROM batches WHERE id = 'old'").Scan(&hash))
	assert.Empty(t, hash, "existing batches get an empty fingerprint")
	assert.Contains(t, tableIndexes(t, s.db, "batches"), "idx_batches_config")
}

// createTestStore creates a new file-backed store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var v int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&v))
	return v
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func tableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	require.NoError(t, err)
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		cols = append(cols, name)
	}
	require.NoError(t, rows.Err())
	return cols
}

func tableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	require.NoError(t, err)
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes = append(indexes, name)
	}
	require.NoError(t, rows.Err())
	slices.Sort(indexes)
	return indexes
}
