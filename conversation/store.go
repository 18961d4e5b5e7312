// Package conversation owns conversation records and their durable
// representation: one JSON file per conversation id, write-through on
// every mutation via a temp file and an atomic rename.
//
// An in-memory cache (ristretto) fronts the files. The cache is an LRU
// with a cost cap, so cold records can be evicted under pressure; the
// durable copy is reloaded on the next access. Within one process the
// in-memory record is the source of truth: a failed disk write is logged
// and retried on the next mutation, never surfaced to the caller.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
)

const recordExt = ".json"

// Sentinel errors.
var (
	// ErrNotFound is returned for an unknown conversation id.
	ErrNotFound = errors.New("conversation: not found")

	// ErrDeleted is returned when new traffic hits a deleted conversation.
	ErrDeleted = errors.New("conversation: deleted")
)

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	UserID string
	Entity string
}

// Store owns conversation records keyed by conversation id.
type Store struct {
	dir   string
	cache *ristretto.Cache

	// Sharded locks serialize concurrent writes to the same conversation
	// while unrelated conversations proceed in parallel.
	shards [64]sync.Mutex
}

// NewStore creates a record store rooted at dir. maxCached bounds the
// in-memory cache; <= 0 defaults to 4096 records.
func NewStore(dir string, maxCached int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	if maxCached <= 0 {
		maxCached = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCached * 10,
		MaxCost:     maxCached, // cost 1 per record
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create record cache: %w", err)
	}
	return &Store{dir: dir, cache: cache}, nil
}

// Create allocates a fresh conversation: new id, status active,
// timestamps now. The record is persisted immediately and cached.
func (s *Store) Create(ctx context.Context, entity, userID string, metadata map[string]interface{}) (*Record, error) {
	now := time.Now().UTC()
	rec := &Record{
		ConversationID: uuid.New().String(),
		EntityName:     entity,
		UserID:         userID,
		CreatedAt:      now,
		LastActivity:   now,
		Status:         StatusActive,
		Metadata:       metadata,
	}

	lock := s.lockFor(rec.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	s.persist(rec)
	s.put(rec)
	log.Printf("[STORE] Created conversation %s (entity=%s, user=%s)",
		rec.ConversationID, entity, userID)
	return rec.Clone(), nil
}

// Get returns the record for a conversation id, reloading from durable
// storage when the cache is cold. Deleted records are returned as-is;
// callers decide whether deleted status is acceptable.
func (s *Store) Get(ctx context.Context, conversationID string) (*Record, error) {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(conversationID)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Touch records appended traffic: message_count grows by delta and
// last_activity moves to now. An archived conversation reactivates to
// active, since new traffic implies its history is still valid. Deleted
// conversations reject the mutation.
func (s *Store) Touch(ctx context.Context, conversationID string, delta int) (*Record, error) {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(conversationID)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusDeleted {
		return nil, ErrDeleted
	}
	if rec.Status == StatusArchived {
		log.Printf("[STORE] Reactivating archived conversation %s", conversationID)
		rec.Status = StatusActive
	}
	rec.MessageCount += delta
	rec.LastActivity = time.Now().UTC()

	s.persist(rec)
	s.put(rec)
	return rec.Clone(), nil
}

// List returns records matching the filter ordered by last-activity
// descending. The scan walks durable storage so records evicted from the
// cache still show up.
func (s *Store) List(ctx context.Context, f Filter) ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scan record dir: %w", err)
	}

	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := strings.TrimSuffix(e.Name(), recordExt)

		lock := s.lockFor(id)
		lock.Lock()
		rec, err := s.load(id)
		lock.Unlock()
		if err != nil {
			log.Printf("[STORE] Skipping unreadable record %s: %v", id, err)
			continue
		}
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.Entity != "" && rec.EntityName != f.Entity {
			continue
		}
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

// ArchiveOlderThan marks every active record whose last activity predates
// cutoff as archived. The sweep is cooperative: cancellation is checked
// between records, and each record transition is itself atomic.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	recs, err := s.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if rec.Status != StatusActive || !rec.LastActivity.Before(cutoff) {
			continue
		}

		lock := s.lockFor(rec.ConversationID)
		lock.Lock()
		fresh, err := s.load(rec.ConversationID)
		if err == nil && fresh.Status == StatusActive && fresh.LastActivity.Before(cutoff) {
			fresh.Status = StatusArchived
			s.persist(fresh)
			s.put(fresh)
			archived++
		}
		lock.Unlock()
	}

	if archived > 0 {
		log.Printf("[STORE] Archived %d conversations idle since %s",
			archived, cutoff.Format(time.RFC3339))
	}
	return archived, nil
}

// Delete soft-deletes a conversation: the record and its message history
// remain on disk for audit.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.load(conversationID)
	if err != nil {
		return err
	}
	if rec.Status == StatusDeleted {
		return nil
	}
	rec.Status = StatusDeleted

	s.persist(rec)
	s.put(rec)
	log.Printf("[STORE] Soft-deleted conversation %s", conversationID)
	return nil
}

// Purge hard-deletes a record: the file is removed and the cache entry
// dropped. Message history in the entity's backend is the caller's
// responsibility.
func (s *Store) Purge(ctx context.Context, conversationID string) error {
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.recordPath(conversationID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record: %w", err)
	}
	s.cache.Del(conversationID)
	log.Printf("[STORE] Purged conversation %s", conversationID)
	return nil
}

// Close releases the cache.
func (s *Store) Close() {
	s.cache.Close()
}

// load returns the cached record or reloads it from disk.
// Caller holds the conversation's shard lock.
func (s *Store) load(conversationID string) (*Record, error) {
	if v, ok := s.cache.Get(conversationID); ok {
		return v.(*Record), nil
	}

	data, err := os.ReadFile(s.recordPath(conversationID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	s.put(&rec)
	return &rec, nil
}

// put caches a record and waits for admission so that a subsequent load
// in the same request sees it.
func (s *Store) put(rec *Record) {
	s.cache.Set(rec.ConversationID, rec, 1)
	s.cache.Wait()
}

// persist writes the record durably via temp file + atomic rename.
// Failures are logged, not returned: the in-memory record stays the
// source of truth and the write is retried on the next mutation.
func (s *Store) persist(rec *Record) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		log.Printf("[STORE] Marshal record %s: %v", rec.ConversationID, err)
		return
	}
	path := s.recordPath(rec.ConversationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Printf("[STORE] Persist record %s: %v", rec.ConversationID, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		log.Printf("[STORE] Replace record %s: %v", rec.ConversationID, err)
	}
}

func (s *Store) recordPath(conversationID string) string {
	return filepath.Join(s.dir, conversationID+recordExt)
}

func (s *Store) lockFor(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &s.shards[h.Sum32()%uint32(len(s.shards))]
}
