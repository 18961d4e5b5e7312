package flatfile_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/talekeeper/mnemo/core"
	"github.com/talekeeper/mnemo/memory"
	"github.com/talekeeper/mnemo/memory/backend/flatfile"
)

func newStore(t *testing.T, dir string, maxMessages int) *flatfile.Store {
	t.Helper()
	s := flatfile.New("sage", dir, maxMessages)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func TestFlatFile_RequiresInitialization(t *testing.T) {
	s := flatfile.New("sage", t.TempDir(), 0)

	_, err := s.History(context.Background(), "conv1", 10)
	if !errors.Is(err, memory.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestFlatFile_AppendOrderSurvivesHistory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), 0)
	defer s.Close()

	for _, content := range []string{"A", "B", "C"} {
		msg := &core.Message{Role: core.RoleUser, Content: content}
		if err := s.Append(ctx, "conv1", msg); err != nil {
			t.Fatalf("append %s: %v", content, err)
		}
	}

	msgs, err := s.History(ctx, "conv1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"A", "B", "C"} {
		if msgs[i].Content != want {
			t.Errorf("position %d: got %q, want %q", i, msgs[i].Content, want)
		}
		if msgs[i].Seq != int64(i+1) {
			t.Errorf("position %d: seq %d, want %d", i, msgs[i].Seq, i+1)
		}
	}
}

func TestFlatFile_HistoryLimitReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), 0)
	defer s.Close()

	for i := 0; i < 6; i++ {
		msg := &core.Message{Role: core.RoleUser, Content: fmt.Sprintf("m%d", i)}
		if err := s.Append(ctx, "conv1", msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.History(ctx, "conv1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "m4" || msgs[1].Content != "m5" {
		t.Fatalf("expected the 2 most recent in order, got %+v", msgs)
	}
}

func TestFlatFile_ReloadAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newStore(t, dir, 0)
	for i := 0; i < 4; i++ {
		if err := s.Append(ctx, "conv1", &core.Message{Role: core.RoleUser, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	s.Close()

	// Fresh instance over the same directory simulates a process restart.
	s2 := newStore(t, dir, 0)
	defer s2.Close()

	n, err := s2.MessageCount(ctx, "conv1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("expected 4 messages after reload, got %d", n)
	}

	// Seq continues from where the previous process stopped.
	msg := &core.Message{Role: core.RoleUser, Content: "m4"}
	if err := s2.Append(ctx, "conv1", msg); err != nil {
		t.Fatal(err)
	}
	if msg.Seq != 5 {
		t.Fatalf("expected seq 5 after reload, got %d", msg.Seq)
	}
}

func TestFlatFile_CleanupEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), 0)
	defer s.Close()

	for i := 0; i < 8; i++ {
		if err := s.Append(ctx, "conv1", &core.Message{Role: core.RoleUser, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Cleanup(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	msgs, err := s.History(ctx, "conv1", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 survivors, got %d", len(msgs))
	}
	if msgs[0].Content != "m3" || msgs[4].Content != "m7" {
		t.Fatalf("wrong survivors: first=%q last=%q", msgs[0].Content, msgs[4].Content)
	}
}

func TestFlatFile_SearchRanksByImportance(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir(), 0)
	defer s.Close()

	appendMsg := func(content string, importance float64) {
		t.Helper()
		msg := &core.Message{Role: core.RoleUser, Content: content, Importance: importance}
		if err := s.Append(ctx, "conv1", msg); err != nil {
			t.Fatal(err)
		}
	}
	appendMsg("the cat sat on the mat", 0.2)
	appendMsg("a cat named Jones", 0.9)
	appendMsg("nothing relevant here", 0.5)

	hits, err := s.Search(ctx, "cat", 10, memory.SearchFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Content != "a cat named Jones" {
		t.Fatalf("expected the high-importance hit first, got %q", hits[0].Content)
	}
}

func TestFlatFile_CloseIsIdempotent(t *testing.T) {
	s := newStore(t, t.TempDir(), 0)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	err := s.Append(context.Background(), "conv1", &core.Message{Content: "late"})
	if !errors.Is(err, memory.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
