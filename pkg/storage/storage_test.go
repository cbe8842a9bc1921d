package storage

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openTest(t)

	var count int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, len(migrations), count)

	for _, table := range []string{
		"workers", "worker_tags", "tasks", "task_tags", "task_needed_tags",
		"task_wanted_tags", "dependencies", "attachments", "file_locks",
		"claim_sequence", "task_sequence",
	} {
		var n int
		err := db.SQL().QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist", table)
	}
}

func TestMigrationsIdempotentOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, len(migrations), count)
}

func TestWriteCommitsAndRollsBack(t *testing.T) {
	db := openTest(t)

	err := db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO workers (id, registered_at, last_heartbeat) VALUES ('w1', 1, 1)`)
		return err
	})
	require.NoError(t, err)

	err = db.Write(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO workers (id, registered_at, last_heartbeat) VALUES ('w2', 1, 1)`); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.Error(t, err)

	var count int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM workers`).Scan(&count))
	assert.Equal(t, 1, count, "failed transaction must roll back")
}

func TestForeignKeysEnforced(t *testing.T) {
	db := openTest(t)

	err := db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO task_tags (task_id, tag) VALUES ('ghost', 'x')`)
		return err
	})
	assert.Error(t, err, "tag row without its task must violate foreign keys")
}

func TestFTSTriggersTrackTasks(t *testing.T) {
	db := openTest(t)

	err := db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO tasks (id, title, description, status, created_at, updated_at)
			VALUES ('alpha', 'Fix the parser', 'the tokenizer drops unicode', 'pending', 1, 1)`)
		return err
	})
	require.NoError(t, err)

	var id string
	require.NoError(t, db.SQL().QueryRow(
		`SELECT task_id FROM tasks_fts WHERE tasks_fts MATCH 'tokenizer'`).Scan(&id))
	assert.Equal(t, "alpha", id)

	err = db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM tasks WHERE id = 'alpha'`)
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM tasks_fts`).Scan(&n))
	assert.Zero(t, n)
}

func TestAttachmentFTSOnlyIndexesText(t *testing.T) {
	db := openTest(t)

	err := db.Write(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO tasks (id, title, status, created_at, updated_at)
			VALUES ('alpha', 'x', 'pending', 1, 1)`); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO attachments (task_id, attachment_type, sequence, name, mime_type, content, created_at)
			VALUES ('alpha', 'note', 0, 'note', 'text/plain', 'remember the sqlite pragmas', 1)`); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO attachments (task_id, attachment_type, sequence, name, mime_type, content, created_at)
			VALUES ('alpha', 'blob', 0, 'blob', 'application/octet-stream', 'ZGVhZGJlZWY=', 1)`)
		return err
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.SQL().QueryRow(`SELECT COUNT(*) FROM attachments_fts`).Scan(&n))
	assert.Equal(t, 1, n, "only text attachments are indexed")
}

func TestIsUniqueViolation(t *testing.T) {
	db := openTest(t)

	insert := func() error {
		return db.Write(func(tx *sql.Tx) error {
			_, err := tx.Exec(`INSERT INTO workers (id, registered_at, last_heartbeat) VALUES ('dup', 1, 1)`)
			return err
		})
	}
	require.NoError(t, insert())
	err := insert()
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(assert.AnError))
}
