package disabled_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/talekeeper/mnemo/core"
	"github.com/talekeeper/mnemo/memory"
	"github.com/talekeeper/mnemo/memory/backend/disabled"
)

func newStore(t *testing.T) *disabled.Store {
	t.Helper()
	s := disabled.New("sage")
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func TestDisabled_RequiresInitialization(t *testing.T) {
	s := disabled.New("sage")

	err := s.Append(context.Background(), "conv1", &core.Message{Content: "x"})
	if !errors.Is(err, memory.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestDisabled_AppendStampsAndCounts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	for i := 0; i < 3; i++ {
		msg := &core.Message{Role: core.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if err := s.Append(ctx, "conv1", msg); err != nil {
			t.Fatal(err)
		}
		// Stamped exactly like the storing backends, even though the
		// content is dropped.
		if msg.ID == "" {
			t.Errorf("append %d: no id assigned", i)
		}
		if msg.Timestamp.IsZero() {
			t.Errorf("append %d: timestamp not stamped", i)
		}
		if msg.ConversationID != "conv1" {
			t.Errorf("append %d: conversation id %q", i, msg.ConversationID)
		}
		if msg.Seq != int64(i+1) {
			t.Errorf("append %d: seq %d, want %d", i, msg.Seq, i+1)
		}
	}

	n, err := s.MessageCount(ctx, "conv1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected count 3, got %d", n)
	}

	// Conversations count independently; the empty id totals them.
	if err := s.Append(ctx, "conv2", &core.Message{Role: core.RoleUser, Content: "other"}); err != nil {
		t.Fatal(err)
	}
	total, err := s.MessageCount(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 {
		t.Fatalf("expected total 4, got %d", total)
	}
}

func TestDisabled_HistoryAndSearchAreEmpty(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	if err := s.Append(ctx, "conv1", &core.Message{Role: core.RoleUser, Content: "remember this"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.History(ctx, "conv1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty history, got %d messages", len(msgs))
	}

	hits, err := s.Search(ctx, "remember", 10, memory.SearchFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no search hits, got %d", len(hits))
	}
}

func TestDisabled_CleanupRemovesNothing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	defer s.Close()

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, "conv1", &core.Message{Role: core.RoleUser, Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := s.Cleanup(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("nothing is stored, yet cleanup removed %d", removed)
	}
}

func TestDisabled_CloseRejectsAppends(t *testing.T) {
	s := newStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	err := s.Append(context.Background(), "conv1", &core.Message{Content: "late"})
	if !errors.Is(err, memory.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
