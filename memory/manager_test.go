package memory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/talekeeper/mnemo/core"
	"github.com/talekeeper/mnemo/memory"
)

// stubBackend is a minimal in-memory backend for manager tests.
type stubBackend struct {
	entity   string
	initErr  error
	inits    *atomic.Int32
	closes   *atomic.Int32
	initDone bool
}

func (s *stubBackend) Kind() memory.Kind { return memory.KindDisabled }
func (s *stubBackend) Entity() string    { return s.entity }

func (s *stubBackend) Initialize(ctx context.Context) error {
	s.inits.Add(1)
	if s.initErr != nil {
		return s.initErr
	}
	s.initDone = true
	return nil
}

func (s *stubBackend) Append(ctx context.Context, conversationID string, msg *core.Message) error {
	return nil
}
func (s *stubBackend) History(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	return nil, nil
}
func (s *stubBackend) Search(ctx context.Context, query string, limit int, filters memory.SearchFilters) ([]core.Message, error) {
	return nil, nil
}
func (s *stubBackend) MessageCount(ctx context.Context, conversationID string) (int, error) {
	return 0, nil
}
func (s *stubBackend) Cleanup(ctx context.Context, maxMessages int) (int, error) { return 0, nil }
func (s *stubBackend) Close() error {
	s.closes.Add(1)
	return nil
}

func TestManager_ExactlyOnceInitialization(t *testing.T) {
	ctx := context.Background()

	var inits, closes atomic.Int32
	factory := func(entity string, cfg *memory.Config) (memory.Backend, error) {
		return &stubBackend{entity: entity, inits: &inits, closes: &closes}, nil
	}

	mgr := memory.NewManager(&memory.Config{DataDir: t.TempDir()}, factory, nil)
	defer mgr.CloseAll()

	// Thundering herd on a cold entity.
	const n = 50
	results := make([]memory.Backend, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			b, err := mgr.GetOrCreate(ctx, "sage")
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			results[i] = b
		}(i)
	}
	close(start)
	wg.Wait()

	if got := inits.Load(); got != 1 {
		t.Fatalf("expected exactly 1 initialization, got %d", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different backend instance", i)
		}
	}
}

func TestManager_IndependentEntitiesInitializeSeparately(t *testing.T) {
	ctx := context.Background()

	var inits, closes atomic.Int32
	factory := func(entity string, cfg *memory.Config) (memory.Backend, error) {
		return &stubBackend{entity: entity, inits: &inits, closes: &closes}, nil
	}

	mgr := memory.NewManager(&memory.Config{DataDir: t.TempDir()}, factory, nil)
	defer mgr.CloseAll()

	a, err := mgr.GetOrCreate(ctx, "alpha")
	if err != nil {
		t.Fatalf("alpha: %v", err)
	}
	b, err := mgr.GetOrCreate(ctx, "beta")
	if err != nil {
		t.Fatalf("beta: %v", err)
	}
	if a == b {
		t.Fatal("distinct entities share a backend")
	}
	if got := inits.Load(); got != 2 {
		t.Fatalf("expected 2 initializations, got %d", got)
	}
}

func TestManager_FailedInitIsNotCached(t *testing.T) {
	ctx := context.Background()

	var inits, closes atomic.Int32
	fail := atomic.Bool{}
	fail.Store(true)
	factory := func(entity string, cfg *memory.Config) (memory.Backend, error) {
		sb := &stubBackend{entity: entity, inits: &inits, closes: &closes}
		if fail.Load() {
			sb.initErr = errors.New("disk on fire")
		}
		return sb, nil
	}

	mgr := memory.NewManager(&memory.Config{DataDir: t.TempDir()}, factory, nil)
	defer mgr.CloseAll()

	if _, err := mgr.GetOrCreate(ctx, "sage"); !errors.Is(err, memory.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if _, ok := mgr.Get("sage"); ok {
		t.Fatal("failed entity must not be cached as ready")
	}

	// The fault clears; the next access retries from scratch and succeeds.
	fail.Store(false)
	b, err := mgr.GetOrCreate(ctx, "sage")
	if err != nil {
		t.Fatalf("retry after clear: %v", err)
	}
	if b.Entity() != "sage" {
		t.Fatalf("wrong backend entity %q", b.Entity())
	}
}

func TestManager_CloseAllDrainsRegistry(t *testing.T) {
	ctx := context.Background()

	var inits, closes atomic.Int32
	factory := func(entity string, cfg *memory.Config) (memory.Backend, error) {
		return &stubBackend{entity: entity, inits: &inits, closes: &closes}, nil
	}

	mgr := memory.NewManager(&memory.Config{DataDir: t.TempDir()}, factory, nil)

	for _, entity := range []string{"alpha", "beta", "gamma"} {
		if _, err := mgr.GetOrCreate(ctx, entity); err != nil {
			t.Fatalf("%s: %v", entity, err)
		}
	}

	if err := mgr.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if got := closes.Load(); got != 3 {
		t.Fatalf("expected 3 closes, got %d", got)
	}
	if _, err := mgr.GetOrCreate(ctx, "alpha"); !errors.Is(err, memory.ErrClosed) {
		t.Fatalf("expected ErrClosed after CloseAll, got %v", err)
	}
}

func TestManager_EvictAllowsFreshInstance(t *testing.T) {
	ctx := context.Background()

	var inits, closes atomic.Int32
	factory := func(entity string, cfg *memory.Config) (memory.Backend, error) {
		return &stubBackend{entity: entity, inits: &inits, closes: &closes}, nil
	}

	mgr := memory.NewManager(&memory.Config{DataDir: t.TempDir()}, factory, nil)
	defer mgr.CloseAll()

	first, err := mgr.GetOrCreate(ctx, "sage")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.Evict("sage"); err != nil {
		t.Fatal(err)
	}
	if got := closes.Load(); got != 1 {
		t.Fatalf("expected evicted backend closed, got %d closes", got)
	}

	second, err := mgr.GetOrCreate(ctx, "sage")
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("eviction must produce a fresh instance on next access")
	}
	if got := inits.Load(); got != 2 {
		t.Fatalf("expected 2 initializations, got %d", got)
	}
}
