// Package disabled implements the no-op memory backend. Appends are
// counted but dropped, history and search are always empty. Used when an
// entity should run without persistent memory.
package disabled

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talekeeper/mnemo/core"
	"github.com/talekeeper/mnemo/memory"
)

// Store is the no-op backend for one entity.
type Store struct {
	entity string

	mu     sync.Mutex
	ready  bool
	closed bool
	counts map[string]int
	seqs   map[string]int64
}

// New creates an uninitialized disabled backend.
func New(entity string) *Store {
	return &Store{
		entity: entity,
		counts: make(map[string]int),
		seqs:   make(map[string]int64),
	}
}

func (s *Store) Kind() memory.Kind { return memory.KindDisabled }
func (s *Store) Entity() string    { return s.entity }

func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
	return nil
}

func (s *Store) checkReady() error {
	if s.closed {
		return memory.ErrClosed
	}
	if !s.ready {
		return memory.ErrNotInitialized
	}
	return nil
}

// Append stamps the message like the storing backends do and counts it,
// then drops the content. Counting keeps the conversation record's
// message_count consistent for the life of the process, and the stamped
// timestamp keeps reply metadata meaningful even without storage.
func (s *Store) Append(ctx context.Context, conversationID string, msg *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.seqs[conversationID]++
	msg.Seq = s.seqs[conversationID]
	s.counts[conversationID]++
	return nil
}

func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Store) Search(ctx context.Context, query string, limit int, filters memory.SearchFilters) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return 0, err
	}
	if conversationID != "" {
		return s.counts[conversationID], nil
	}
	total := 0
	for _, n := range s.counts {
		total += n
	}
	return total, nil
}

func (s *Store) Cleanup(ctx context.Context, maxMessages int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
