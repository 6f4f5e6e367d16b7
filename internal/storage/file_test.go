package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return fs
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	conv := Conversation{
		ID: "sess-1",
		Messages: []Message{
			{Role: "user", Content: "what's the weather like", Timestamp: time.Now().UTC()},
			{Role: "assistant", Content: "I can't see outside, sadly.", Timestamp: time.Now().UTC()},
		},
	}
	if err := fs.Save(ctx, conv); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := fs.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if got.Title != "what's the weather like" {
		t.Fatalf("auto title = %q", got.Title)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps should be set on save")
	}
}

func TestAutoTitleTruncates(t *testing.T) {
	long := strings.Repeat("a", 80)
	title := AutoTitle([]Message{{Role: "user", Content: long}}, time.Now())
	if len(title) != autoTitleMaxChars+3 {
		t.Fatalf("title length = %d, want %d", len(title), autoTitleMaxChars+3)
	}
	if !strings.HasSuffix(title, "...") {
		t.Fatalf("truncated title should end in ellipsis, got %q", title)
	}
}

func TestAutoTitleFallsBackToTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC)
	title := AutoTitle([]Message{{Role: "assistant", Content: "hi"}}, at)
	if !strings.HasPrefix(title, "Conversation 2026-03-14") {
		t.Fatalf("fallback title = %q", title)
	}
}

func TestFileStoreListOrdersByUpdated(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"old", "new"} {
		if err := fs.Save(ctx, Conversation{
			ID:       id,
			Messages: []Message{{Role: "user", Content: id}},
		}); err != nil {
			t.Fatalf("Save(%s) error = %v", id, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	summaries, err := fs.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(summaries))
	}
	if summaries[0].ID != "new" {
		t.Fatalf("first summary = %q, want most recently updated", summaries[0].ID)
	}
}

func TestFileStoreRenameAndDelete(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	if err := fs.Save(ctx, Conversation{ID: "sess-2", Messages: []Message{{Role: "user", Content: "hello"}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := fs.Rename(ctx, "sess-2", "Morning chat"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	got, _ := fs.Load(ctx, "sess-2")
	if got.Title != "Morning chat" {
		t.Fatalf("title = %q, want %q", got.Title, "Morning chat")
	}

	if err := fs.Delete(ctx, "sess-2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := fs.Load(ctx, "sess-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() after delete error = %v, want ErrNotFound", err)
	}
	if err := fs.Delete(ctx, "sess-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestFileStoreSanitizesID(t *testing.T) {
	fs := newTestStore(t)
	ctx := context.Background()

	if err := fs.Save(ctx, Conversation{ID: "../escape", Messages: []Message{{Role: "user", Content: "x"}}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := fs.Load(ctx, "../escape"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}
