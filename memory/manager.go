package memory

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Factory constructs an uninitialized Backend for an entity.
// The default factory lives in the backend package; tests substitute
// their own.
type Factory func(entity string, cfg *Config) (Backend, error)

// Manager maps entity names to ready backends.
//
// It guarantees exactly-once initialization per entity under arbitrary
// concurrent first access. Native backend construction (opening an
// embedded database file) is not safe to invoke concurrently for the
// same storage path, so the manager serializes construction per entity
// with a per-entity lock while the registry lock stays cheap: the fast
// path is a read-locked map lookup.
type Manager struct {
	config   *Config
	factory  Factory
	recovery *RecoveryPolicy

	mu        sync.RWMutex
	backends  map[string]Backend
	initLocks map[string]*sync.Mutex
	closed    bool
}

// NewManager creates a manager using the given backend factory.
// A nil recovery policy gets the default (2 attempts with quarantine).
func NewManager(cfg *Config, factory Factory, recovery *RecoveryPolicy) *Manager {
	if cfg == nil {
		cfg = DefaultConfig
	}
	if recovery == nil {
		recovery = DefaultRecoveryPolicy()
	}
	return &Manager{
		config:    cfg.withDefaults(),
		factory:   factory,
		recovery:  recovery,
		backends:  make(map[string]Backend),
		initLocks: make(map[string]*sync.Mutex),
	}
}

// GetOrCreate returns the entity's ready backend, constructing and
// initializing it on first access. Concurrent calls for the same cold
// entity result in exactly one construction; all callers get the same
// backend. A terminal initialization failure is never cached: the error
// is returned and a later call retries from scratch.
func (m *Manager) GetOrCreate(ctx context.Context, entity string) (Backend, error) {
	// Fast path: already initialized.
	m.mu.RLock()
	b, ok := m.backends[entity]
	closed := m.closed
	m.mu.RUnlock()
	if ok {
		return b, nil
	}
	if closed {
		return nil, ErrClosed
	}

	// Find or create the per-entity init lock.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if b, ok := m.backends[entity]; ok {
		m.mu.Unlock()
		return b, nil
	}
	initLock, ok := m.initLocks[entity]
	if !ok {
		initLock = &sync.Mutex{}
		m.initLocks[entity] = initLock
	}
	m.mu.Unlock()

	// Serialize construction for this entity. Unrelated entities
	// initialize in parallel.
	initLock.Lock()
	defer initLock.Unlock()

	// Re-check: another initializer may have finished while we waited.
	m.mu.RLock()
	b, ok = m.backends[entity]
	m.mu.RUnlock()
	if ok {
		return b, nil
	}

	log.Printf("[MANAGER] Initializing %s backend for entity %q", m.config.Kind, entity)

	b, err := m.recovery.Initialize(ctx, entity, m.entityPath(entity), func() (Backend, error) {
		return m.factory(entity, m.config)
	})
	if err != nil {
		// Not published: the entity stays cold and a later call retries.
		log.Printf("[MANAGER] Backend init failed for entity %q: %v", entity, err)
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		b.Close()
		return nil, ErrClosed
	}
	m.backends[entity] = b
	m.mu.Unlock()

	log.Printf("[MANAGER] Entity %q ready (%s)", entity, b.Kind())
	return b, nil
}

// Get returns the entity's backend if one is live, without creating it.
func (m *Manager) Get(entity string) (Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[entity]
	return b, ok
}

// Evict closes and removes one entity's backend. The next GetOrCreate
// constructs a fresh instance.
func (m *Manager) Evict(entity string) error {
	m.mu.Lock()
	b, ok := m.backends[entity]
	delete(m.backends, entity)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	log.Printf("[MANAGER] Evicting entity %q", entity)
	return b.Close()
}

// Entities returns the names of all live backends.
func (m *Manager) Entities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	return names
}

// CloseAll drains the registry and closes every backend in parallel.
// The manager rejects further GetOrCreate calls afterwards.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	drained := m.backends
	m.backends = make(map[string]Backend)
	m.initLocks = make(map[string]*sync.Mutex)
	m.closed = true
	m.mu.Unlock()

	if len(drained) == 0 {
		return nil
	}
	log.Printf("[MANAGER] Closing %d backends", len(drained))

	var g errgroup.Group
	for name, b := range drained {
		name, b := name, b
		g.Go(func() error {
			if err := b.Close(); err != nil {
				return fmt.Errorf("close backend for entity %q: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stats reports live registry counts.
type Stats struct {
	LiveBackends int
	Kind         Kind
}

// Stats returns a snapshot of the registry.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{LiveBackends: len(m.backends), Kind: m.config.Kind}
}

// entityPath is the canonical storage path for an entity.
func (m *Manager) entityPath(entity string) string {
	return filepath.Join(m.config.DataDir, entity)
}
