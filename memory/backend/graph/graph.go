// Package graph implements the structured memory backend on SQLite
// (modernc.org/sqlite, pure Go). Messages live in a relational table with
// a link table between related messages; Search is keyword-based and
// follows outgoing links so that connected context rides along with the
// direct hits.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/talekeeper/mnemo/core"
	"github.com/talekeeper/mnemo/memory"
)

// Store is the SQLite-backed graph backend for one entity.
type Store struct {
	entity      string
	dir         string
	maxMessages int

	mu      sync.Mutex
	db      *sql.DB
	entropy io.Reader
	ready   bool
	closed  bool
}

// New creates an uninitialized graph backend. The database file lives at
// dir/memory.db.
func New(entity, dir string, maxMessages int) *Store {
	return &Store{
		entity:      entity,
		dir:         dir,
		maxMessages: maxMessages,
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (s *Store) Kind() memory.Kind { return memory.KindGraph }
func (s *Store) Entity() string    { return s.entity }

// Initialize opens the database and applies the schema. A corrupt file
// fails here ("file is not a database") so the recovery policy can
// quarantine the entity directory.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create entity dir: %w", err)
	}

	dbPath := filepath.Join(s.dir, "memory.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	s.db = db
	s.ready = true
	return nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		importance      REAL NOT NULL DEFAULT 0.5,
		tags            TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv_seq ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

	CREATE TABLE IF NOT EXISTS message_links (
		from_id    TEXT NOT NULL REFERENCES messages(id),
		to_id      TEXT NOT NULL REFERENCES messages(id),
		rel        TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_links_to ON message_links(to_id);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
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

// Append inserts one message, assigning the next seq for the conversation
// inside a transaction.
func (s *Store) Append(ctx context.Context, conversationID string, msg *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastSeq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&lastSeq)
	if err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	msg.Seq = lastSeq.Int64 + 1

	var tagsJSON *string
	if len(msg.Tags) > 0 {
		b, _ := json.Marshal(msg.Tags)
		str := string(b)
		tagsJSON = &str
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at, seq, importance, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), msg.Content,
		msg.Timestamp.Format(time.RFC3339Nano), msg.Seq, msg.Importance, tagsJSON)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

// Link records a relation between two stored messages.
func (s *Store) Link(ctx context.Context, fromID, toID, rel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_links (from_id, to_id, rel, created_at) VALUES (?, ?, ?, ?)`,
		fromID, toID, rel, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// History returns the most recent limit messages in chronological order.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	// Seq is the conversation's total order; created_at strings trim
	// trailing zeros and do not sort reliably.
	query := `SELECT id, conversation_id, role, content, created_at, seq, importance, tags
		 FROM messages WHERE conversation_id = ?
		 ORDER BY seq DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Rows came newest-first; flip to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Search runs a keyword match ranked by importance and recency, then
// pulls in messages linked from the direct hits.
func (s *Store) Search(ctx context.Context, query string, limit int, filters memory.SearchFilters) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	where := []string{"content LIKE ?"}
	args := []interface{}{"%" + query + "%"}
	if filters.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filters.ConversationID)
	}
	if filters.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(filters.Role))
	}
	for _, tag := range filters.Tags {
		where = append(where, "tags LIKE ?")
		args = append(args, `%"`+tag+`"%`)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, conversation_id, role, content, created_at, seq, importance, tags
		 FROM messages WHERE %s
		 ORDER BY importance DESC, created_at DESC
		 LIMIT ?`, strings.Join(where, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	hits, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Follow one hop of outgoing links for connected context.
	seen := make(map[string]bool, len(hits))
	for _, m := range hits {
		seen[m.ID] = true
	}
	for _, m := range hits {
		if len(hits) >= limit {
			break
		}
		linked, err := s.linkedFrom(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, lm := range linked {
			if seen[lm.ID] || len(hits) >= limit {
				continue
			}
			seen[lm.ID] = true
			hits = append(hits, lm)
		}
	}
	return hits, nil
}

// linkedFrom returns messages reachable by one outgoing link. Caller
// holds the lock.
func (s *Store) linkedFrom(ctx context.Context, id string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.role, m.content, m.created_at, m.seq, m.importance, m.tags
		 FROM messages m
		 INNER JOIN message_links l ON l.to_id = m.id
		 WHERE l.from_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessageCount returns the stored message count. Empty conversationID
// counts across all conversations.
func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return 0, err
	}

	var n int
	var err error
	if conversationID != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	}
	return n, err
}

// Cleanup trims every conversation above maxMessages to the cap,
// deleting the lowest seqs first. Dangling links are removed with the
// messages.
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, COUNT(*) FROM messages GROUP BY conversation_id HAVING COUNT(*) > ?`,
		maxMessages)
	if err != nil {
		return 0, err
	}
	type over struct {
		conv  string
		count int
	}
	var overs []over
	for rows.Next() {
		var o over
		if err := rows.Scan(&o.conv, &o.count); err != nil {
			rows.Close()
			return 0, err
		}
		overs = append(overs, o)
	}
	rows.Close()

	removed := 0
	for _, o := range overs {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		excess := o.count - maxMessages
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM messages WHERE id IN (
				SELECT id FROM messages WHERE conversation_id = ?
				ORDER BY seq ASC LIMIT ?)`,
			o.conv, excess)
		if err != nil {
			return removed, fmt.Errorf("trim conversation %s: %w", o.conv, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}

	if removed > 0 {
		s.db.ExecContext(ctx,
			`DELETE FROM message_links WHERE from_id NOT IN (SELECT id FROM messages)
			 OR to_id NOT IN (SELECT id FROM messages)`)
	}
	return removed, nil
}

// Close runs a final retention pass and releases the database. Idempotent.
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
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessages(rows *sql.Rows) ([]core.Message, error) {
	var msgs []core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanMessage(row scanner) (core.Message, error) {
	var m core.Message
	var role, createdAt string
	var tagsJSON sql.NullString

	err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &createdAt,
		&m.Seq, &m.Importance, &tagsJSON)
	if err != nil {
		return m, err
	}

	m.Role = core.Role(role)
	m.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAt)
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
	}
	return m, nil
}
