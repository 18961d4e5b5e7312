// Package service orchestrates the conversation flow: resolve the record,
// resolve the entity's memory backend, gather a bounded context window,
// call the inference collaborator, and append both turns durably.
//
// Concurrency contract: SendMessage calls for the same conversation are
// serialized by a sharded conversation lock so appends are observed in
// submission order; unrelated conversations and entities proceed in
// parallel. Blocking native backend calls go through a bounded semaphore
// so they cannot stall the scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/talekeeper/mnemo/conversation"
	"github.com/talekeeper/mnemo/core"
	"github.com/talekeeper/mnemo/inference"
	"github.com/talekeeper/mnemo/memory"
)

// Config tunes the orchestrator.
type Config struct {
	// SystemContext is the standing system prompt for the completer.
	SystemContext string

	// HistoryWindow is how many recent messages feed the completer.
	// Default: 20.
	HistoryWindow int

	// InferenceTimeout bounds a single completion call. Default: 30s.
	InferenceTimeout time.Duration

	// MaxNativeCalls bounds concurrent blocking backend calls.
	// Default: 16.
	MaxNativeCalls int64
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 20
	}
	if c.InferenceTimeout <= 0 {
		c.InferenceTimeout = 30 * time.Second
	}
	if c.MaxNativeCalls <= 0 {
		c.MaxNativeCalls = 16
	}
	return c
}

// Service is the conversation orchestrator.
type Service struct {
	store     *conversation.Store
	manager   *memory.Manager
	completer inference.Completer
	retainer  *memory.Retainer
	config    Config

	// Sharded send locks: memory stays constant no matter how many
	// conversations pass through the process.
	sendLocks [64]sync.Mutex
	gate      *semaphore.Weighted
}

// New creates a service. retainer may be nil to disable retention.
func New(store *conversation.Store, manager *memory.Manager, completer inference.Completer, retainer *memory.Retainer, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store:     store,
		manager:   manager,
		completer: completer,
		retainer:  retainer,
		config:    cfg,
		gate:      semaphore.NewWeighted(cfg.MaxNativeCalls),
	}
}

// Reply is the result of a SendMessage call.
type Reply struct {
	Text         string
	MessageCount int
	Timestamp    time.Time
}

// CreateConversation allocates a new conversation record. The entity's
// backend is not touched yet; it is created lazily on the first message.
func (s *Service) CreateConversation(ctx context.Context, entity, userID string, metadata map[string]interface{}) (*conversation.Record, error) {
	return s.store.Create(ctx, entity, userID, metadata)
}

// SendMessage appends the user's message, asks the completer for a reply,
// and appends the reply. The user's turn is persisted before inference is
// attempted, so an upstream timeout or failure never loses it.
func (s *Service) SendMessage(ctx context.Context, conversationID, text string) (*Reply, error) {
	rec, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if rec.Status == conversation.StatusDeleted {
		return nil, conversation.ErrDeleted
	}

	// Serialize sends within this conversation.
	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	backend, err := s.manager.GetOrCreate(ctx, rec.EntityName)
	if err != nil {
		return nil, err
	}

	var history []core.Message
	if err := s.native(ctx, func() error {
		var herr error
		history, herr = backend.History(ctx, conversationID, s.config.HistoryWindow)
		return herr
	}); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	// Persist the user's turn first.
	userMsg := &core.Message{Role: core.RoleUser, Content: text}
	userMsg.Importance = core.AssessImportance(userMsg)
	if err := s.append(ctx, backend, conversationID, userMsg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	rec, err = s.store.Touch(ctx, conversationID, 1)
	if err != nil {
		return nil, err
	}

	// Bounded inference call. On failure the user's message stays.
	ictx, cancel := context.WithTimeout(ctx, s.config.InferenceTimeout)
	defer cancel()
	replyText, err := s.completer.Complete(ictx, s.config.SystemContext, history, text)
	if err != nil {
		log.Printf("[SERVICE] Inference failed for conversation %s: %v", conversationID, err)
		return nil, err
	}

	replyMsg := &core.Message{Role: core.RoleAssistant, Content: replyText}
	replyMsg.Importance = core.AssessImportance(replyMsg)
	if err := s.append(ctx, backend, conversationID, replyMsg); err != nil {
		return nil, fmt.Errorf("append reply: %w", err)
	}
	rec, err = s.store.Touch(ctx, conversationID, 1)
	if err != nil {
		return nil, err
	}

	return &Reply{
		Text:         replyText,
		MessageCount: rec.MessageCount,
		Timestamp:    replyMsg.Timestamp,
	}, nil
}

// GetHistory returns the most recent limit messages. Soft-deleted
// conversations keep their history retrievable for audit.
func (s *Service) GetHistory(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	rec, err := s.store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	backend, err := s.manager.GetOrCreate(ctx, rec.EntityName)
	if err != nil {
		return nil, err
	}

	var msgs []core.Message
	err = s.native(ctx, func() error {
		var herr error
		msgs, herr = backend.History(ctx, conversationID, limit)
		return herr
	})
	return msgs, err
}

// SearchMemory runs a relevance search over one entity's memory.
func (s *Service) SearchMemory(ctx context.Context, entity, query string, limit int, filters memory.SearchFilters) ([]core.Message, error) {
	backend, err := s.manager.GetOrCreate(ctx, entity)
	if err != nil {
		return nil, err
	}

	var msgs []core.Message
	err = s.native(ctx, func() error {
		var serr error
		msgs, serr = backend.Search(ctx, query, limit, filters)
		return serr
	})
	return msgs, err
}

// ListConversations returns matching records, most recently active first.
func (s *Service) ListConversations(ctx context.Context, f conversation.Filter) ([]*conversation.Record, error) {
	return s.store.List(ctx, f)
}

// DeleteConversation soft-deletes a conversation.
func (s *Service) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.store.Delete(ctx, conversationID)
}

// PurgeConversation hard-deletes the conversation record. Message rows in
// the entity's backend age out through retention.
func (s *Service) PurgeConversation(ctx context.Context, conversationID string) error {
	return s.store.Purge(ctx, conversationID)
}

// ArchiveOld archives every active conversation idle for more than the
// given number of days. Returns the number archived.
func (s *Service) ArchiveOld(ctx context.Context, inactiveAfterDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -inactiveAfterDays)
	return s.store.ArchiveOlderThan(ctx, cutoff)
}

// append writes one message through the bounded native gate and runs the
// opportunistic retention pass.
func (s *Service) append(ctx context.Context, backend memory.Backend, conversationID string, msg *core.Message) error {
	if err := s.native(ctx, func() error {
		return backend.Append(ctx, conversationID, msg)
	}); err != nil {
		return err
	}
	if _, err := s.retainer.NoteAppend(ctx, backend, conversationID); err != nil {
		// Retention failures bound growth later; they never fail the send.
		log.Printf("[SERVICE] Retention pass failed for entity %q: %v", backend.Entity(), err)
	}
	return nil
}

// native runs a blocking backend call under the bounded worker gate.
func (s *Service) native(ctx context.Context, fn func() error) error {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.gate.Release(1)
	return fn()
}

func (s *Service) conversationLock(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &s.sendLocks[h.Sum32()%uint32(len(s.sendLocks))]
}

// IsNotFound reports whether err means the conversation does not exist,
// as opposed to a transient backend or upstream problem.
func IsNotFound(err error) bool {
	return errors.Is(err, conversation.ErrNotFound)
}
