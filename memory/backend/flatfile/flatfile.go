// Package flatfile implements the append-log memory backend.
// Each conversation is one JSONL file under the entity's directory;
// every line is a single message. Appends are O_APPEND writes, rewrites
// (retention) go through a temp file and an atomic rename.
package flatfile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talekeeper/mnemo/core"
	"github.com/talekeeper/mnemo/memory"
)

const logExt = ".jsonl"

// Store is the flatfile backend for one entity.
type Store struct {
	entity      string
	dir         string
	maxMessages int

	mu     sync.Mutex
	ready  bool
	closed bool
	counts map[string]int   // messages per conversation
	seqs   map[string]int64 // last assigned seq per conversation
}

// New creates an uninitialized flatfile backend rooted at dir.
func New(entity, dir string, maxMessages int) *Store {
	return &Store{
		entity:      entity,
		dir:         dir,
		maxMessages: maxMessages,
		counts:      make(map[string]int),
		seqs:        make(map[string]int64),
	}
}

func (s *Store) Kind() memory.Kind { return memory.KindFlatFile }
func (s *Store) Entity() string    { return s.entity }

// Initialize creates the entity directory and primes per-conversation
// counters from any logs already on disk. A log that fails to parse is
// treated as corruption and fails initialization so the recovery policy
// can quarantine the directory.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create entity dir: %w", err)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan entity dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logExt) {
			continue
		}
		conv := strings.TrimSuffix(e.Name(), logExt)
		msgs, err := s.readLog(conv)
		if err != nil {
			return fmt.Errorf("reload conversation %s: %w", conv, err)
		}
		s.counts[conv] = len(msgs)
		if n := len(msgs); n > 0 {
			s.seqs[conv] = msgs[n-1].Seq
		}
	}

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

// Append writes one message to the conversation's log.
func (s *Store) Append(ctx context.Context, conversationID string, msg *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	s.stamp(conversationID, msg)

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(s.logPath(conversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	s.counts[conversationID]++
	return nil
}

// History returns the most recent limit messages in chronological order.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	msgs, err := s.readLog(conversationID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// Search scans logs for a case-insensitive keyword match, ranked by
// importance and then recency.
func (s *Store) Search(ctx context.Context, query string, limit int, filters memory.SearchFilters) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	convs := make([]string, 0, len(s.counts))
	if filters.ConversationID != "" {
		convs = append(convs, filters.ConversationID)
	} else {
		for conv := range s.counts {
			convs = append(convs, conv)
		}
	}

	needle := strings.ToLower(query)
	var hits []core.Message
	for _, conv := range convs {
		msgs, err := s.readLog(conv)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if !strings.Contains(strings.ToLower(m.Content), needle) {
				continue
			}
			if !matchFilters(&m, filters) {
				continue
			}
			hits = append(hits, m)
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Importance != hits[j].Importance {
			return hits[i].Importance > hits[j].Importance
		}
		return hits[i].Timestamp.After(hits[j].Timestamp)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// MessageCount returns the stored message count. Empty conversationID
// counts across all conversations.
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

// Cleanup trims every conversation above maxMessages down to the cap,
// oldest-first. Each trimmed log is rewritten atomically.
func (s *Store) Cleanup(ctx context.Context, maxMessages int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return 0, err
	}
	if maxMessages <= 0 {
		return 0, nil
	}

	removed := 0
	for conv, n := range s.counts {
		if n <= maxMessages {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		msgs, err := s.readLog(conv)
		if err != nil {
			return removed, err
		}
		keep := msgs[len(msgs)-maxMessages:]
		if err := s.rewriteLog(conv, keep); err != nil {
			return removed, err
		}
		removed += n - len(keep)
		s.counts[conv] = len(keep)
	}
	return removed, nil
}

// Close runs a final retention pass and marks the store closed. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed || !s.ready
	s.closed = true
	s.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	// Final retention pass; the store is already fenced off from new
	// appends so the rewrite cannot race live traffic.
	if s.maxMessages > 0 {
		for conv, n := range s.counts {
			if n <= s.maxMessages {
				continue
			}
			msgs, err := s.readLog(conv)
			if err != nil {
				continue
			}
			s.rewriteLog(conv, msgs[len(msgs)-s.maxMessages:])
		}
	}
	return nil
}

// stamp fills in backend-assigned fields. Caller holds the lock.
func (s *Store) stamp(conversationID string, msg *core.Message) {
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
}

func (s *Store) logPath(conversationID string) string {
	return filepath.Join(s.dir, conversationID+logExt)
}

// readLog loads a conversation log in append order. Caller holds the lock.
func (s *Store) readLog(conversationID string) ([]core.Message, error) {
	f, err := os.Open(s.logPath(conversationID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	var msgs []core.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m core.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("parse log line: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	return msgs, nil
}

// rewriteLog replaces a conversation log atomically. Caller holds the lock.
func (s *Store) rewriteLog(conversationID string, msgs []core.Message) error {
	path := s.logPath(conversationID)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp log: %w", err)
	}
	w := bufio.NewWriter(f)
	for i := range msgs {
		line, err := json.Marshal(&msgs[i])
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal message: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush temp log: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp log: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace log: %w", err)
	}
	return nil
}

func matchFilters(m *core.Message, f memory.SearchFilters) bool {
	if f.Role != "" && m.Role != f.Role {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range m.Tags {
			if tag == want {
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
