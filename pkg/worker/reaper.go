package worker

import (
	"database/sql"
	"time"

	"github.com/taskgraph/taskgraph/pkg/config"
	"github.com/taskgraph/taskgraph/pkg/storage"
)

// Reaper evicts workers whose heartbeat has gone stale. It runs on a
// timer but EvictStale may also be invoked opportunistically.
type Reaper struct {
	registry *Registry
	snap     func() *config.Snapshot
	stopCh   chan struct{}
}

// NewReaper creates a reaper. snap supplies the live config snapshot
// at each cycle.
func NewReaper(registry *Registry, snap func() *config.Snapshot) *Reaper {
	return &Reaper{
		registry: registry,
		snap:     snap,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the eviction loop.
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the reaper.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	r.registry.logger.Info().Msg("Stale-worker reaper started")
	for {
		select {
		case <-ticker.C:
			if _, err := r.registry.EvictStale(r.snap()); err != nil {
				r.registry.logger.Error().Err(err).Msg("Eviction cycle failed")
			}
		case <-r.stopCh:
			r.registry.logger.Info().Msg("Stale-worker reaper stopped")
			return
		}
	}
}

// EvictStale removes every worker whose last heartbeat is older than
// the configured stale timeout: their claimed tasks transition to the
// disconnect state, their marks release with reason "disconnect", and
// the session rows are deleted.
func (r *Registry) EvictStale(snap *config.Snapshot) ([]string, error) {
	cutoff := storage.NowMS() - int64(snap.Server.StaleTimeoutSeconds)*1000

	rows, err := r.db.SQL().Query(`SELECT id FROM workers WHERE last_heartbeat < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	evicted := make([]string, 0, len(stale))
	for _, id := range stale {
		if err := r.evictOne(snap, id); err != nil {
			r.logger.Error().Err(err).Str("worker_id", id).Msg("Failed to evict stale worker")
			continue
		}
		evicted = append(evicted, id)
		r.logger.Warn().Str("worker_id", id).Msg("Evicted stale worker")
	}
	return evicted, nil
}

func (r *Registry) evictOne(snap *config.Snapshot, workerID string) error {
	if _, err := r.tasks.ReleaseAll(snap, workerID, snap.States.DisconnectState, "disconnect"); err != nil {
		return err
	}
	if err := r.marks.ReleaseAllMarks(workerID, "disconnect"); err != nil {
		return err
	}
	return r.db.Write(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM workers WHERE id = ?`, workerID)
		return err
	})
}
