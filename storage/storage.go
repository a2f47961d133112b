// Package storage persists management data and device events. SQL
// databases (MySQL, PostgreSQL, SQLite) back the management provider; events
// fan out to any number of stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/model"
)

var log = logger.Named("storage")

// EventStore persists device events
type EventStore interface {
	// Name identifies the store in logs
	Name() string
	StoreEvent(ctx context.Context, event model.Event) error
	Close() error
}

// Manager fans events out to several stores.
type Manager struct {
	mu     sync.RWMutex
	stores []EventStore
}

// NewManager creates a manager over stores
func NewManager(stores ...EventStore) *Manager {
	return &Manager{stores: stores}
}

// StoreEvent writes event to every store. A failing store is logged and the
// others are still tried; an error is returned only when no store accepted
// the event.
func (m *Manager) StoreEvent(ctx context.Context, event model.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.stores) == 0 {
		return nil
	}
	var errs []error
	for _, store := range m.stores {
		if err := store.StoreEvent(ctx, event); err != nil {
			log.Error("store %s event %s in %s failed: %v", event.EventKind(), event.Meta().ID, store.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
		}
	}
	if len(errs) == len(m.stores) {
		return errors.Join(errs...)
	}
	return nil
}

// Close closes every store
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			log.Error("close %s failed: %v", store.Name(), err)
		}
	}
}

// AddStore adds a store
func (m *Manager) AddStore(store EventStore) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stores = append(m.stores, store)
}

// Len returns the number of stores
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stores)
}
