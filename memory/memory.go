package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/talekeeper/mnemo/core"
)

// Kind identifies a backend implementation.
// The set is closed: callers branch on Kind, never on type probing.
type Kind string

const (
	// KindGraph is the structured backend (SQLite with message links).
	KindGraph Kind = "graph"

	// KindVector is the semantic backend (embedded vector database).
	KindVector Kind = "vector"

	// KindFlatFile is the append-log backend (JSONL per conversation).
	KindFlatFile Kind = "flatfile"

	// KindDisabled is the no-op backend. Appends are counted but dropped.
	KindDisabled Kind = "disabled"
)

// Sentinel errors shared across backends.
var (
	// ErrNotInitialized is returned when a backend operation is invoked
	// before Initialize has completed. This indicates a programming error
	// in the caller and should never reach the end user.
	ErrNotInitialized = errors.New("memory: backend not initialized")

	// ErrClosed is returned for operations on a closed backend.
	ErrClosed = errors.New("memory: backend closed")

	// ErrBackendUnavailable is returned by the manager when backend
	// construction failed terminally. Retryable on a later call.
	ErrBackendUnavailable = errors.New("memory: backend unavailable")
)

// InitError is a terminal initialization failure: construction was retried
// up to the recovery cap and still failed. The entity remains uninitialized
// and the manager will attempt construction again on the next access.
type InitError struct {
	Entity   string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialize %s backend for entity %q after %d attempts: %v",
		e.Kind, e.Entity, e.Attempts, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// SearchFilters narrows a Search call.
type SearchFilters struct {
	// ConversationID restricts results to one conversation.
	ConversationID string

	// Role restricts results to messages by one author.
	Role core.Role

	// Tags requires all listed tags to be present.
	Tags []string
}

// Backend is a storage unit bound to one entity. Implementations:
// graph (SQLite), vector (chromem-go), flatfile (JSONL), disabled (no-op).
//
// All operations except Initialize and Close return ErrNotInitialized
// when invoked before readiness. Close is idempotent.
// Implementations must be safe for concurrent use through a single handle;
// concurrent construction against the same storage path is NOT safe and is
// serialized by the Manager.
type Backend interface {
	// Kind returns the backend implementation tag.
	Kind() Kind

	// Entity returns the owning entity's name.
	Entity() string

	// Initialize opens native resources. Called exactly once per instance
	// by the Manager; not safe to call concurrently for the same path.
	Initialize(ctx context.Context) error

	// Append writes a message to a conversation's log. The backend assigns
	// Seq. Appends within one conversation are observed in submission
	// order by subsequent History calls.
	Append(ctx context.Context, conversationID string, msg *core.Message) error

	// History returns the most recent limit messages of a conversation in
	// chronological order. Empty if the conversation is unknown.
	History(ctx context.Context, conversationID string, limit int) ([]core.Message, error)

	// Search returns up to limit messages ranked by relevance. Semantic
	// for the vector kind, keyword for graph and flatfile, always empty
	// for disabled.
	Search(ctx context.Context, query string, limit int, filters SearchFilters) ([]core.Message, error)

	// MessageCount returns the number of stored messages. An empty
	// conversationID counts across all conversations.
	MessageCount(ctx context.Context, conversationID string) (int, error)

	// Cleanup deletes the oldest messages of every conversation that
	// exceeds maxMessages, oldest-timestamp-first with Seq breaking ties.
	// Returns the number of messages removed.
	Cleanup(ctx context.Context, maxMessages int) (int, error)

	// Close releases native resources. Idempotent.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: embedder/mock (testing/offline) and embedder/onnx
// (build tag onnx).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Config holds per-entity backend configuration.
type Config struct {
	// Kind selects the backend implementation. Default: flatfile.
	Kind Kind

	// DataDir is the root directory for entity storage. Each entity owns
	// DataDir/<entity>/ exclusively.
	DataDir string

	// MaxMessages caps stored messages per conversation. Retention trims
	// oldest-first beyond the cap. Zero disables retention.
	MaxMessages int

	// CleanupEvery triggers a retention pass after this many appends.
	// Default: 100.
	CleanupEvery int

	// Embedder supplies vectors for the vector kind. Ignored by others.
	Embedder Embedder
}

// DefaultConfig returns sensible defaults for local use.
var DefaultConfig = &Config{
	Kind:         KindFlatFile,
	DataDir:      "data",
	MaxMessages:  1000,
	CleanupEvery: 100,
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Kind == "" {
		out.Kind = KindFlatFile
	}
	if out.DataDir == "" {
		out.DataDir = DefaultConfig.DataDir
	}
	if out.CleanupEvery <= 0 {
		out.CleanupEvery = 100
	}
	return &out
}
