package config

import (
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/taskgraph/taskgraph/pkg/log"
)

// Manager publishes the current snapshot behind an atomic pointer and
// rebuilds it on reload. Mid-call handlers keep the snapshot they
// started with; only new calls observe a swap.
type Manager struct {
	path    string
	current atomic.Pointer[Snapshot]
	logger  zerolog.Logger

	mu       sync.Mutex
	watchers []chan struct{}
	fw       *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewManager loads the initial snapshot from path (or the defaults when
// path is empty) and returns a manager publishing it.
func NewManager(path string) (*Manager, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		path:   path,
		logger: log.WithComponent("config"),
		stopCh: make(chan struct{}),
	}
	m.current.Store(snap)
	return m, nil
}

// Current returns the live snapshot. Callers must hold on to the
// returned pointer for the duration of one logical operation rather
// than re-reading it mid-transaction.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Reload re-reads the config file, validates it, and swaps the
// snapshot. On validation failure the previous snapshot stays live.
func (m *Manager) Reload() error {
	snap, err := Load(m.path)
	if err != nil {
		m.logger.Error().Err(err).Msg("Config reload failed, keeping previous snapshot")
		return err
	}
	m.current.Store(snap)
	m.logger.Info().Str("path", m.path).Msg("Config reloaded")
	m.notify()
	return nil
}

// Watch returns a channel that receives one message per successful
// reload. Subscribers that cached a snapshot re-acquire on receipt.
func (m *Manager) Watch() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{}, 1)
	m.watchers = append(m.watchers, ch)
	return ch
}

func (m *Manager) notify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
			// Watcher has an unconsumed reload signal already.
		}
	}
}

// StartWatching begins reloading on filesystem changes to the config
// file. No-op when the manager was built without a file.
func (m *Manager) StartWatching() error {
	if m.path == "" {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(m.path); err != nil {
		fw.Close()
		return err
	}
	m.fw = fw

	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := m.Reload(); err != nil {
						m.logger.Warn().Err(err).Msg("Ignoring invalid config change")
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				m.logger.Error().Err(err).Msg("Config watcher error")
			case <-m.stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop shuts down the file watcher.
func (m *Manager) Stop() {
	close(m.stopCh)
	if m.fw != nil {
		m.fw.Close()
	}
}
