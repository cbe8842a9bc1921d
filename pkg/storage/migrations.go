package storage

import (
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	sql     string
}

// SchemaVersion is the version snapshots are exported at. It tracks the
// last migration in the list.
const SchemaVersion = 8

// Migrations apply idempotently in numeric order inside transactions
// and are recorded in schema_migrations. Later entries mirror the
// column additions the schema picked up over time; a fresh database
// replays all of them.
var migrations = []migration{
	{
		version: 1,
		name:    "workers",
		sql: `
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	max_claims INTEGER NOT NULL DEFAULT 3,
	registered_at INTEGER NOT NULL,
	last_heartbeat INTEGER NOT NULL,
	last_claim_sequence INTEGER NOT NULL DEFAULT 0,
	last_status TEXT NOT NULL DEFAULT '',
	last_phase TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS worker_tags (
	worker_id TEXT NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (worker_id, tag)
);
`,
	},
	{
		version: 2,
		name:    "tasks",
		sql: `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 5 CHECK(priority >= 0 AND priority <= 10),
	worker_id TEXT REFERENCES workers(id) ON DELETE SET NULL,
	claimed_at INTEGER,
	points INTEGER NOT NULL DEFAULT 0,
	time_estimate_ms INTEGER NOT NULL DEFAULT 0,
	time_actual_ms INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER,
	completed_at INTEGER,
	current_thought TEXT NOT NULL DEFAULT '',
	metric_0 INTEGER NOT NULL DEFAULT 0,
	metric_1 INTEGER NOT NULL DEFAULT 0,
	metric_2 INTEGER NOT NULL DEFAULT 0,
	metric_3 INTEGER NOT NULL DEFAULT 0,
	metric_4 INTEGER NOT NULL DEFAULT 0,
	metric_5 INTEGER NOT NULL DEFAULT 0,
	metric_6 INTEGER NOT NULL DEFAULT 0,
	metric_7 INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id);

CREATE TABLE IF NOT EXISTS task_tags (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (task_id, tag)
);

CREATE TABLE IF NOT EXISTS task_needed_tags (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (task_id, tag)
);

CREATE TABLE IF NOT EXISTS task_wanted_tags (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	PRIMARY KEY (task_id, tag)
);
`,
	},
	{
		version: 3,
		name:    "dependencies",
		sql: `
CREATE TABLE IF NOT EXISTS dependencies (
	from_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	to_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	dep_type TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (from_task_id, to_task_id, dep_type)
);

CREATE INDEX IF NOT EXISTS idx_dependencies_to ON dependencies(to_task_id, dep_type);
CREATE INDEX IF NOT EXISTS idx_dependencies_from ON dependencies(from_task_id, dep_type);
`,
	},
	{
		version: 4,
		name:    "attachments",
		sql: `
CREATE TABLE IF NOT EXISTS attachments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	attachment_type TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	name TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT 'text/plain',
	content TEXT NOT NULL DEFAULT '',
	file_path TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE (task_id, attachment_type, sequence)
);

CREATE INDEX IF NOT EXISTS idx_attachments_task ON attachments(task_id, attachment_type);
`,
	},
	{
		version: 5,
		name:    "file_coordination",
		sql: `
CREATE TABLE IF NOT EXISTS file_locks (
	file_path TEXT PRIMARY KEY,
	worker_id TEXT NOT NULL,
	task_id TEXT,
	reason TEXT NOT NULL DEFAULT '',
	locked_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS claim_sequence (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	event TEXT NOT NULL CHECK(event IN ('claimed', 'released')),
	reason TEXT NOT NULL DEFAULT '',
	claim_id INTEGER,
	timestamp INTEGER NOT NULL,
	end_timestamp INTEGER
);

CREATE INDEX IF NOT EXISTS idx_claim_sequence_path ON claim_sequence(file_path, id);
CREATE INDEX IF NOT EXISTS idx_claim_sequence_open ON claim_sequence(file_path) WHERE end_timestamp IS NULL;
`,
	},
	{
		version: 6,
		name:    "task_sequence",
		sql: `
CREATE TABLE IF NOT EXISTS task_sequence (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	worker_id TEXT,
	status TEXT,
	phase TEXT,
	reason TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	end_timestamp INTEGER
);

CREATE INDEX IF NOT EXISTS idx_task_sequence_task ON task_sequence(task_id, id);
CREATE INDEX IF NOT EXISTS idx_task_sequence_open ON task_sequence(task_id) WHERE end_timestamp IS NULL AND status IS NOT NULL;
`,
	},
	{
		version: 7,
		name:    "full_text_search",
		sql: `
CREATE VIRTUAL TABLE IF NOT EXISTS tasks_fts USING fts5(
	task_id UNINDEXED,
	title,
	description
);

CREATE TRIGGER IF NOT EXISTS tasks_fts_insert AFTER INSERT ON tasks BEGIN
	INSERT INTO tasks_fts(task_id, title, description)
	VALUES (new.id, new.title, new.description);
END;

CREATE TRIGGER IF NOT EXISTS tasks_fts_delete AFTER DELETE ON tasks BEGIN
	DELETE FROM tasks_fts WHERE task_id = old.id;
END;

CREATE TRIGGER IF NOT EXISTS tasks_fts_update AFTER UPDATE OF id, title, description ON tasks BEGIN
	UPDATE tasks_fts SET task_id = new.id, title = new.title, description = new.description
	WHERE task_id = old.id;
END;

CREATE VIRTUAL TABLE IF NOT EXISTS attachments_fts USING fts5(
	attachment_id UNINDEXED,
	task_id UNINDEXED,
	name,
	content
);

CREATE TRIGGER IF NOT EXISTS attachments_fts_insert AFTER INSERT ON attachments
WHEN new.mime_type LIKE 'text/%' BEGIN
	INSERT INTO attachments_fts(attachment_id, task_id, name, content)
	VALUES (new.id, new.task_id, new.name, new.content);
END;

CREATE TRIGGER IF NOT EXISTS attachments_fts_delete AFTER DELETE ON attachments BEGIN
	DELETE FROM attachments_fts WHERE attachment_id = old.id;
END;
`,
	},
	{
		version: 8,
		name:    "phase_workflow_soft_delete",
		sql: `
ALTER TABLE tasks ADD COLUMN phase TEXT NOT NULL DEFAULT '';
ALTER TABLE tasks ADD COLUMN deleted_at INTEGER;
ALTER TABLE tasks ADD COLUMN deleted_by TEXT NOT NULL DEFAULT '';
ALTER TABLE tasks ADD COLUMN deleted_reason TEXT NOT NULL DEFAULT '';
ALTER TABLE workers ADD COLUMN workflow TEXT NOT NULL DEFAULT '';
ALTER TABLE workers ADD COLUMN overlays TEXT NOT NULL DEFAULT '[]';

CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted_at);
`,
	},
}

func (d *DB) migrate() error {
	if _, err := d.sql.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := d.sql.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		err := d.Write(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.sql); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
			}
			_, err := tx.Exec(
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, nowMS(),
			)
			return err
		})
		if err != nil {
			return err
		}
		d.logger.Info().Int("version", m.version).Str("name", m.name).Msg("Applied migration")
	}
	return nil
}
