// Package vector implements the semantic memory backend on chromem-go,
// a pure Go embedded vector database.
//
// chromem-go ranks by similarity, not insertion order, so the backend
// keeps a sidecar ordering index (index.json) holding the append sequence
// of every conversation. The index is rewritten atomically on each append
// and reloaded at Initialize, which makes the order survive restarts.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/talekeeper/mnemo/core"
	"github.com/talekeeper/mnemo/memory"
)

const (
	collectionName = "messages"
	indexFile      = "index.json"
)

// Store is the chromem-backed vector backend for one entity.
type Store struct {
	entity      string
	dir         string
	maxMessages int
	embedder    memory.Embedder

	mu     sync.Mutex
	db     *chromem.DB
	col    *chromem.Collection
	index  map[string]*convIndex
	ready  bool
	closed bool
}

// convIndex tracks append order for one conversation.
type convIndex struct {
	Seq int64    `json:"seq"`
	IDs []string `json:"ids"`
}

// New creates an uninitialized vector backend. The embedder is required:
// every appended message and every query is embedded through it.
func New(entity, dir string, maxMessages int, embedder memory.Embedder) *Store {
	return &Store{
		entity:      entity,
		dir:         dir,
		maxMessages: maxMessages,
		embedder:    embedder,
		index:       make(map[string]*convIndex),
	}
}

func (s *Store) Kind() memory.Kind { return memory.KindVector }
func (s *Store) Entity() string    { return s.entity }

// Initialize opens the persistent chromem database and reloads the
// ordering index. Unreadable persisted state fails initialization so the
// recovery policy can quarantine the entity directory.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	if s.embedder == nil {
		return fmt.Errorf("vector backend requires an embedder")
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create entity dir: %w", err)
	}

	db, err := chromem.NewPersistentDB(filepath.Join(s.dir, "chromem"), false)
	if err != nil {
		return fmt.Errorf("open chromem db: %w", err)
	}

	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return fmt.Errorf("open collection: %w", err)
	}

	if err := s.loadIndex(); err != nil {
		return fmt.Errorf("reload ordering index: %w", err)
	}

	s.db = db
	s.col = col
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

// Append embeds the message and stores it as a chromem document, then
// records its position in the ordering index.
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

	ci := s.index[conversationID]
	if ci == nil {
		ci = &convIndex{}
		s.index[conversationID] = ci
	}
	msg.Seq = ci.Seq + 1

	if len(msg.Embedding) == 0 {
		emb, err := s.embedder.Embed(ctx, msg.Content)
		if err != nil {
			return fmt.Errorf("embed message: %w", err)
		}
		msg.Embedding = emb
	}

	// The vector lives once, on the document; the serialized copy omits
	// it and readers restore it from the document on load.
	emb := msg.Embedding
	msg.Embedding = nil
	content, err := json.Marshal(msg)
	msg.Embedding = emb
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	doc := chromem.Document{
		ID:        msg.ID,
		Content:   string(content),
		Embedding: msg.Embedding,
		Metadata: map[string]string{
			"conversation_id": conversationID,
			"role":            string(msg.Role),
			"created_at":      msg.Timestamp.Format(time.RFC3339Nano),
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	ci.Seq = msg.Seq
	ci.IDs = append(ci.IDs, msg.ID)
	if err := s.saveIndex(); err != nil {
		return fmt.Errorf("persist ordering index: %w", err)
	}
	return nil
}

// History returns the most recent limit messages in chronological order,
// resolved through the ordering index.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	ci := s.index[conversationID]
	if ci == nil || len(ci.IDs) == 0 {
		return nil, nil
	}
	ids := ci.IDs
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	msgs := make([]core.Message, 0, len(ids))
	for _, id := range ids {
		doc, err := s.col.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch message %s: %w", id, err)
		}
		var m core.Message
		if err := json.Unmarshal([]byte(doc.Content), &m); err != nil {
			return nil, fmt.Errorf("parse message %s: %w", id, err)
		}
		m.Embedding = doc.Embedding
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Search embeds the query and returns the most similar messages.
func (s *Store) Search(ctx context.Context, query string, limit int, filters memory.SearchFilters) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	// chromem requires nResults <= collection size.
	if c := s.col.Count(); c < limit {
		limit = c
	}
	if limit == 0 {
		return nil, nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var where map[string]string
	if filters.ConversationID != "" {
		where = map[string]string{"conversation_id": filters.ConversationID}
	}

	results, err := s.col.QueryEmbedding(ctx, embedding, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	var msgs []core.Message
	for _, res := range results {
		var m core.Message
		if err := json.Unmarshal([]byte(res.Content), &m); err != nil {
			continue // skip undecodable documents rather than failing the search
		}
		m.Embedding = res.Embedding
		if filters.Role != "" && m.Role != filters.Role {
			continue
		}
		if !hasAllTags(m.Tags, filters.Tags) {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// MessageCount returns the stored message count from the ordering index.
func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return 0, err
	}
	if conversationID != "" {
		if ci := s.index[conversationID]; ci != nil {
			return len(ci.IDs), nil
		}
		return 0, nil
	}
	total := 0
	for _, ci := range s.index {
		total += len(ci.IDs)
	}
	return total, nil
}

// Cleanup trims every conversation above maxMessages, deleting the
// oldest documents and their per-message vectors.
func (s *Store) Cleanup(ctx context.Context, maxMessages int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return 0, err
	}
	if maxMessages <= 0 {
		return 0, nil
	}
	return s.cleanupLocked(ctx, maxMessages)
}

func (s *Store) cleanupLocked(ctx context.Context, maxMessages int) (int, error) {
	removed := 0
	for conv, ci := range s.index {
		if len(ci.IDs) <= maxMessages {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		cut := len(ci.IDs) - maxMessages
		victims := ci.IDs[:cut]
		if err := s.col.Delete(ctx, nil, nil, victims...); err != nil {
			return removed, fmt.Errorf("delete from conversation %s: %w", conv, err)
		}
		ci.IDs = append([]string(nil), ci.IDs[cut:]...)
		removed += cut
	}
	if removed > 0 {
		if err := s.saveIndex(); err != nil {
			return removed, fmt.Errorf("persist ordering index: %w", err)
		}
	}
	return removed, nil
}

// Close runs a final retention pass and marks the store closed.
// chromem persists incrementally, so there is no native handle to release.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.ready {
		s.closed = true
		return nil
	}
	s.closed = true

	if s.maxMessages > 0 {
		s.cleanupLocked(context.Background(), s.maxMessages)
	}
	return nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}

// loadIndex reloads the ordering index from disk. Caller holds the lock.
func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &s.index)
}

// saveIndex writes the ordering index atomically. Caller holds the lock.
func (s *Store) saveIndex() error {
	data, err := json.Marshal(s.index)
	if err != nil {
		return err
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath())
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
