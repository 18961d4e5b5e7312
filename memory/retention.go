package memory

import (
	"context"
	"log"
	"sync"
)

// Retainer applies the retention policy: once a conversation holds more
// than MaxMessages, the oldest are deleted down to the cap. Cleanup runs
// opportunistically after every CheckEvery appends so that growth stays
// bounded without an explicit user action; backends additionally run a
// final pass at Close.
type Retainer struct {
	maxMessages int
	checkEvery  int

	mu     sync.Mutex
	counts map[string]int // appends since last pass, keyed by conversation
}

// NewRetainer creates a retainer. maxMessages <= 0 disables retention;
// checkEvery <= 0 defaults to 100.
func NewRetainer(maxMessages, checkEvery int) *Retainer {
	if checkEvery <= 0 {
		checkEvery = 100
	}
	return &Retainer{
		maxMessages: maxMessages,
		checkEvery:  checkEvery,
		counts:      make(map[string]int),
	}
}

// NoteAppend records one append for the conversation and, every
// CheckEvery appends, runs a cleanup pass on the backend. Returns the
// number of messages removed (zero on the non-triggering calls).
func (r *Retainer) NoteAppend(ctx context.Context, b Backend, conversationID string) (int, error) {
	if r == nil || r.maxMessages <= 0 {
		return 0, nil
	}

	r.mu.Lock()
	r.counts[conversationID]++
	due := r.counts[conversationID] >= r.checkEvery
	if due {
		r.counts[conversationID] = 0
	}
	r.mu.Unlock()

	if !due {
		return 0, nil
	}
	return r.RunNow(ctx, b)
}

// RunNow forces a cleanup pass regardless of the append counter.
func (r *Retainer) RunNow(ctx context.Context, b Backend) (int, error) {
	if r == nil || r.maxMessages <= 0 {
		return 0, nil
	}
	removed, err := b.Cleanup(ctx, r.maxMessages)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.Printf("[RETENTION] Entity %q: removed %d messages beyond cap %d",
			b.Entity(), removed, r.maxMessages)
	}
	return removed, nil
}
