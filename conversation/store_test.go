package conversation_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/talekeeper/mnemo/conversation"
)

func newStore(t *testing.T, dir string) *conversation.Store {
	t.Helper()
	s, err := conversation.NewStore(dir, 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir())

	rec, err := s.Create(ctx, "sage", "user-1", map[string]interface{}{"channel": "cli"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ConversationID == "" {
		t.Fatal("expected a generated conversation id")
	}
	if rec.Status != conversation.StatusActive {
		t.Fatalf("expected active status, got %q", rec.Status)
	}
	if rec.MessageCount != 0 {
		t.Fatalf("fresh conversation has count %d", rec.MessageCount)
	}

	got, err := s.Get(ctx, rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EntityName != "sage" || got.UserID != "user-1" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestStore_GetUnknownIsNotFound(t *testing.T) {
	s := newStore(t, t.TempDir())

	_, err := s.Get(context.Background(), "no-such-id")
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := newStore(t, dir)
	rec, err := s.Create(ctx, "sage", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Touch(ctx, rec.ConversationID, 2); err != nil {
		t.Fatal(err)
	}

	// A second store over the same directory simulates a restart with a
	// cold cache.
	s2 := newStore(t, dir)
	got, err := s2.Get(ctx, rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 2 {
		t.Fatalf("expected count 2 after reload, got %d", got.MessageCount)
	}
	if got.EntityName != "sage" {
		t.Fatalf("expected entity sage, got %q", got.EntityName)
	}
}

func TestStore_TouchUpdatesActivity(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir())

	rec, err := s.Create(ctx, "sage", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	before := rec.LastActivity

	time.Sleep(5 * time.Millisecond)
	touched, err := s.Touch(ctx, rec.ConversationID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if touched.MessageCount != 1 {
		t.Fatalf("expected count 1, got %d", touched.MessageCount)
	}
	if !touched.LastActivity.After(before) {
		t.Fatal("last_activity did not advance")
	}
}

func TestStore_TouchReactivatesArchived(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir())

	rec, err := s.Create(ctx, "sage", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Archive everything, then send traffic to the conversation.
	if _, err := s.ArchiveOlderThan(ctx, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	archived, err := s.Get(ctx, rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if archived.Status != conversation.StatusArchived {
		t.Fatalf("expected archived, got %q", archived.Status)
	}

	touched, err := s.Touch(ctx, rec.ConversationID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if touched.Status != conversation.StatusActive {
		t.Fatalf("traffic should reactivate, got %q", touched.Status)
	}
}

func TestStore_ArchiveRespectsBoundary(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir)

	old, err := s.Create(ctx, "sage", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	recent, err := s.Create(ctx, "sage", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Backdate the first record on disk, then reopen with a cold cache so
	// the store sees the edited copy.
	backdate(t, dir, old.ConversationID, time.Now().UTC().AddDate(0, 0, -40))
	backdate(t, dir, recent.ConversationID, time.Now().UTC().AddDate(0, 0, -10))

	s2 := newStore(t, dir)
	cutoff := time.Now().UTC().AddDate(0, 0, -30)
	n, err := s2.ArchiveOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 archived, got %d", n)
	}

	gotOld, _ := s2.Get(ctx, old.ConversationID)
	gotRecent, _ := s2.Get(ctx, recent.ConversationID)
	if gotOld.Status != conversation.StatusArchived {
		t.Fatalf("40-day-idle record should be archived, got %q", gotOld.Status)
	}
	if gotRecent.Status != conversation.StatusActive {
		t.Fatalf("10-day-idle record should stay active, got %q", gotRecent.Status)
	}
}

func TestStore_DeleteIsSoftAndTerminal(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir())

	rec, err := s.Create(ctx, "sage", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, rec.ConversationID); err != nil {
		t.Fatal(err)
	}

	// The record survives for audit.
	got, err := s.Get(ctx, rec.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != conversation.StatusDeleted {
		t.Fatalf("expected deleted, got %q", got.Status)
	}

	// New traffic is rejected, never resurrects.
	if _, err := s.Touch(ctx, rec.ConversationID, 1); !errors.Is(err, conversation.ErrDeleted) {
		t.Fatalf("expected ErrDeleted, got %v", err)
	}

	// Deleting again is a no-op.
	if err := s.Delete(ctx, rec.ConversationID); err != nil {
		t.Fatal(err)
	}
}

func TestStore_PurgeRemovesRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir)

	rec, err := s.Create(ctx, "sage", "user-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Purge(ctx, rec.ConversationID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(ctx, rec.ConversationID); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, rec.ConversationID+".json")); !os.IsNotExist(err) {
		t.Fatalf("record file still present: %v", err)
	}
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, t.TempDir())

	a, _ := s.Create(ctx, "sage", "user-1", nil)
	time.Sleep(5 * time.Millisecond)
	b, _ := s.Create(ctx, "sage", "user-2", nil)
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Create(ctx, "scribe", "user-1", nil); err != nil {
		t.Fatal(err)
	}

	// Filter by user.
	recs, err := s.List(ctx, conversation.Filter{UserID: "user-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ConversationID != b.ConversationID {
		t.Fatalf("user filter failed: %+v", recs)
	}

	// Filter by entity, newest first.
	recs, err = s.List(ctx, conversation.Filter{Entity: "sage"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 sage records, got %d", len(recs))
	}
	if recs[0].ConversationID != b.ConversationID || recs[1].ConversationID != a.ConversationID {
		t.Fatal("expected last-activity descending order")
	}
}

// backdate rewrites a record file's last_activity so archival sweeps see
// an idle conversation without the test actually waiting.
func backdate(t *testing.T, dir, conversationID string, when time.Time) {
	t.Helper()
	path := filepath.Join(dir, conversationID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	raw["last_activity"] = when.Format(time.RFC3339Nano)
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatal(err)
	}
}
