package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/taskgraph/taskgraph/pkg/log"
)

// DB wraps the single SQLite connection pool backing the whole store.
//
// Concurrency contract: SQLite's WAL journal lets any number of reader
// connections overlap one writer. Cross-process writes serialize on the
// database file's writer lock; within this process they additionally
// serialize on writeMu so two goroutines never contend for the lock and
// burn the busy timeout against each other.
type DB struct {
	sql     *sql.DB
	writeMu sync.Mutex
	logger  zerolog.Logger
	path    string
}

const busyTimeoutMS = 5000

// Open opens (creating if necessary) the database file, applies the
// pragma set, and runs pending migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busyTimeoutMS,
	)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	if err := sqldb.Ping(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	db := &DB{
		sql:    sqldb,
		logger: log.WithComponent("storage"),
		path:   path,
	}

	if err := db.migrate(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// SQL exposes the pool for read-side queries. Writers must go through
// Write.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Write runs fn inside a serialized transaction. Transient busy errors
// roll the transaction back and retry with bounded backoff inside the
// busy-timeout budget; other errors roll back and return.
func (d *DB) Write(fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(busyTimeoutMS * time.Millisecond)

	for attempt := 0; ; attempt++ {
		err := d.writeOnce(fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) || time.Now().After(deadline) {
			return err
		}
		d.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("Write transaction busy, retrying")
		time.Sleep(backoff)
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func (d *DB) writeOnce(fn func(tx *sql.Tx) error) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// IsUniqueViolation reports whether err is a primary-key or unique
// constraint failure, used for id-collision retry.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: PRIMARY KEY")
}
