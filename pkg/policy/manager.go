package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/wardenproject/warden/pkg/observability"
)

// Manager serves the current policy snapshot and, when backed by a file,
// hot-reloads it on change. A malformed rewrite is logged and ignored; the
// previous snapshot stays in effect.
type Manager struct {
	mu      sync.RWMutex
	current *Policy
	path    string
	logger  *observability.Logger
}

// NewManager wraps a fixed policy, for tests and file-less deployments.
func NewManager(p *Policy) *Manager {
	if p == nil {
		p = Default()
	}
	return &Manager{current: p}
}

// NewFileManager loads the policy from path and remembers it for Watch.
func NewFileManager(path string, logger *observability.Logger) (*Manager, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{current: p, path: path, logger: logger}, nil
}

// Current returns the active snapshot.
func (m *Manager) Current() *Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reload re-reads the backing file and swaps the snapshot.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("policy manager has no backing file")
	}
	p, err := Load(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = p
	m.mu.Unlock()
	return nil
}

// Watch blocks until ctx is done, reloading the policy whenever the backing
// file is written. Editors that replace the file (rename + create) are
// handled by watching the parent directory.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch policy directory: %w", err)
	}

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := m.Reload(); err != nil {
				if m.logger != nil {
					m.logger.WithError(err).Warn("policy reload failed, keeping previous snapshot")
				}
				continue
			}
			if m.logger != nil {
				m.logger.WithField("path", m.path).Info("policy reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if m.logger != nil {
				m.logger.WithError(err).Warn("policy watcher error")
			}
		}
	}
}
