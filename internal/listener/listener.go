package listener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/wudi/dwebgate/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Listener represents a network listener that can accept connections
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Protocol returns the protocol type
	Protocol() string

	// Start binds the listener and begins serving in the background.
	Start(ctx context.Context) error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the address the listener is bound to
	Addr() string
}

// Manager manages multiple listeners
type Manager struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

// NewManager creates a new listener manager
func NewManager() *Manager {
	return &Manager{listeners: make(map[string]Listener)}
}

// Add adds a listener to the manager
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}
	m.listeners[l.ID()] = l
	return nil
}

// Get returns a listener by ID
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// Remove removes a listener by ID
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[id]; !exists {
		return fmt.Errorf("listener with id %s not found", id)
	}
	delete(m.listeners, id)
	return nil
}

// StartAll starts every listener and returns the first failure.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var g errgroup.Group
	for _, l := range m.listeners {
		g.Go(func() error {
			logging.Info("starting listener",
				zap.String("id", l.ID()),
				zap.String("protocol", l.Protocol()),
				zap.String("address", l.Addr()))
			if err := l.Start(ctx); err != nil {
				return fmt.Errorf("listener %s: %w", l.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll gracefully stops all listeners, in parallel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, l := range m.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logging.Info("stopping listener", zap.String("id", l.ID()))
			if err := l.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("listener %s: %w", l.ID(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns all listener IDs, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
