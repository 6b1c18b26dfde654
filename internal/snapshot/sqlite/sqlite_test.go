package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shineum/smtp-mailbox-lite/internal/snapshot"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(filepath.Join(t.TempDir(), "mailbox.db"), false)
	if err != nil {
		t.Fatalf("failed to open backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestLoad_Empty(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	if _, err := b.Load(context.Background()); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("Load: got error %v, want ErrNotFound", err)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	ctx := context.Background()

	st := snapshot.NewState()
	st.Mailboxes["bob"] = []string{"m1", "m2", "m3"}
	st.Mailboxes["alice"] = []string{"only"}

	if err := b.Save(ctx, st); err != nil {
		t.Fatalf("Save: unexpected error: %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}

	want := []string{"m1", "m2", "m3"}
	if len(got.Mailboxes["bob"]) != len(want) {
		t.Fatalf("bob: got %v, want %v", got.Mailboxes["bob"], want)
	}
	for i := range want {
		if got.Mailboxes["bob"][i] != want[i] {
			t.Errorf("bob[%d]: got %q, want %q", i, got.Mailboxes["bob"][i], want[i])
		}
	}
	if got.Mailboxes["alice"][0] != "only" {
		t.Errorf("alice: got %v", got.Mailboxes["alice"])
	}
}

func TestSave_ReplacesPreviousRows(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	ctx := context.Background()

	first := snapshot.NewState()
	first.Mailboxes["bob"] = []string{"a", "b"}
	if err := b.Save(ctx, first); err != nil {
		t.Fatalf("Save: unexpected error: %v", err)
	}

	second := snapshot.NewState()
	second.Mailboxes["bob"] = []string{"a", "b", "c"}
	if err := b.Save(ctx, second); err != nil {
		t.Fatalf("Save: unexpected error: %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	if got.MessageCount() != 3 {
		t.Errorf("MessageCount: got %d, want 3", got.MessageCount())
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t)
	if got := b.Name(); got != "sqlite" {
		t.Errorf("Name(): got %q, want %q", got, "sqlite")
	}
}
