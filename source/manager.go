package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager starts and stops a set of event sources together.
type Manager struct {
	mu      sync.Mutex
	sources []*EventSource
	started int
}

// NewManager creates a manager for sources. Ids must be unique.
func NewManager(sources ...*EventSource) (*Manager, error) {
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		if seen[s.ID()] {
			return nil, fmt.Errorf("duplicate event source id %q", s.ID())
		}
		seen[s.ID()] = true
	}
	return &Manager{sources: sources}, nil
}

// Start starts every source in order, stopping the started ones on failure.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.sources {
		if err := s.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.sources[j].Stop(ctx)
			}
			m.started = 0
			return err
		}
		m.started = i + 1
	}
	return nil
}

// Stop stops sources in reverse start order.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for i := m.started - 1; i >= 0; i-- {
		if err := m.sources[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", m.sources[i].ID(), err))
		}
	}
	m.started = 0
	return errors.Join(errs...)
}

// Get returns the source with the given id
func (m *Manager) Get(id string) (*EventSource, bool) {
	for _, s := range m.sources {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Sources returns all managed sources
func (m *Manager) Sources() []*EventSource {
	return append([]*EventSource(nil), m.sources...)
}

// Stats returns per-source statistics keyed by id
func (m *Manager) Stats() map[string]Stats {
	out := make(map[string]Stats, len(m.sources))
	for _, s := range m.sources {
		out[s.ID()] = s.Stats()
	}
	return out
}
