package mailbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/smtp-mailbox-lite/internal/email"
	"github.com/shineum/smtp-mailbox-lite/internal/metrics"
	"github.com/shineum/smtp-mailbox-lite/internal/snapshot"
	"github.com/shineum/smtp-mailbox-lite/internal/snapshot/file"
)

// memBackend implements snapshot.Backend in memory for testing.
type memBackend struct {
	mu      sync.Mutex
	state   *snapshot.State
	saves   int
	loadErr error
	saveErr error
}

func (m *memBackend) Load(_ context.Context) (*snapshot.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.state == nil {
		return nil, snapshot.ErrNotFound
	}
	return m.state, nil
}

func (m *memBackend) Save(_ context.Context, st *snapshot.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.state = st
	return nil
}

func (m *memBackend) Name() string { return "mem" }

func (m *memBackend) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func TestParsePersistPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    PersistPolicy
		wantErr bool
	}{
		{input: "", want: PersistAlways},
		{input: "always", want: PersistAlways},
		{input: "create", want: PersistOnCreate},
		{input: "never", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePersistPolicy(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParsePersistPolicy(%q): expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParsePersistPolicy(%q): got %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAppend_CreatesThenAppends(t *testing.T) {
	t.Parallel()

	s := New(nil)
	ctx := context.Background()

	created, err := s.Append(ctx, "bob", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("first append should create the mailbox")
	}

	created, err = s.Append(ctx, "bob", "m2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("second append should not report creation")
	}

	msgs, ok := s.Lookup("bob")
	if !ok {
		t.Fatal("Lookup(bob): not found")
	}
	if len(msgs) != 2 || msgs[0] != "m1" || msgs[1] != "m2" {
		t.Errorf("Lookup(bob): got %v, want [m1 m2]", msgs)
	}
}

func TestLookup_Unknown(t *testing.T) {
	t.Parallel()

	s := New(nil)
	if msgs, ok := s.Lookup("nobody"); ok || msgs != nil {
		t.Errorf("Lookup(nobody): got %v, %v; want nil, false", msgs, ok)
	}
	if s.Len() != 0 {
		t.Errorf("Lookup must not create keys, Len: got %d", s.Len())
	}
}

func TestLookup_CaseSensitive(t *testing.T) {
	t.Parallel()

	s := New(nil)
	if _, err := s.Append(context.Background(), "Bob", "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.Lookup("bob"); ok {
		t.Error("recipient keys must match exactly")
	}
}

func TestLookup_ReturnsCopy(t *testing.T) {
	t.Parallel()

	s := New(nil)
	if _, err := s.Append(context.Background(), "bob", "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs, _ := s.Lookup("bob")
	msgs[0] = "tampered"

	again, _ := s.Lookup("bob")
	if again[0] != "m1" {
		t.Errorf("store was mutated through Lookup result: %v", again)
	}
}

func TestPersistPolicy_Always(t *testing.T) {
	t.Parallel()

	backend := &memBackend{}
	s := New(backend, WithPersistPolicy(PersistAlways))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "bob", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := backend.saveCount(); got != 3 {
		t.Errorf("saves: got %d, want 3", got)
	}
}

func TestPersistPolicy_OnCreate(t *testing.T) {
	t.Parallel()

	backend := &memBackend{}
	s := New(backend, WithPersistPolicy(PersistOnCreate))
	ctx := context.Background()

	for _, r := range []string{"bob", "bob", "carol", "bob"} {
		if _, err := s.Append(ctx, r, "msg"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := backend.saveCount(); got != 2 {
		t.Errorf("saves: got %d, want 2 (one per new recipient)", got)
	}
}

func TestAppend_PersistFailureKeepsMemory(t *testing.T) {
	t.Parallel()

	backend := &memBackend{saveErr: errors.New("disk full")}
	m := metrics.New()
	s := New(backend, WithMetrics(m))

	created, err := s.Append(context.Background(), "bob", "m1")
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if !created {
		t.Error("created should still be reported on persistence failure")
	}
	if msgs, ok := s.Lookup("bob"); !ok || len(msgs) != 1 {
		t.Errorf("in-memory store should hold the message, got %v", msgs)
	}
	if got := testutil.ToFloat64(m.Persists.WithLabelValues("error")); got != 1 {
		t.Errorf("persist errors: got %v, want 1", got)
	}
}

func TestLoad_NotFoundStartsEmpty(t *testing.T) {
	t.Parallel()

	s, err := Load(context.Background(), &memBackend{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Len: got %d, want 0", s.Len())
	}
}

func TestLoad_FailsOnCorruptState(t *testing.T) {
	t.Parallel()

	backend := &memBackend{loadErr: errors.New("unexpected EOF")}
	if _, err := Load(context.Background(), backend); err == nil {
		t.Fatal("expected load error")
	}
}

func TestLoad_SkipsEmptyMailboxes(t *testing.T) {
	t.Parallel()

	st := snapshot.NewState()
	st.Mailboxes["bob"] = []string{"m1"}
	st.Mailboxes["ghost"] = nil

	s, err := Load(context.Background(), &memBackend{state: st})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.Lookup("ghost"); ok {
		t.Error("a recipient with no messages must not exist")
	}
	if got := s.Recipients(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("Recipients: got %v, want [bob]", got)
	}
}

func TestFirstMessage_PersistedAndDecodable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mailbox.yaml")
	ctx := context.Background()

	s, err := Load(ctx, file.New(path), WithPersistPolicy(PersistOnCreate))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := email.Seal(email.Envelope{Sender: "alice", Recipient: "bob", Body: "hello bob"})
	if _, err := s.Append(ctx, "bob", stored); err != nil {
		t.Fatalf("Append: unexpected error: %v", err)
	}

	reloaded, err := Load(ctx, file.New(path))
	if err != nil {
		t.Fatalf("reload: unexpected error: %v", err)
	}
	msgs, ok := reloaded.Lookup("bob")
	if !ok || len(msgs) != 1 {
		t.Fatalf("reloaded bob: got %v, want one message", msgs)
	}

	env, err := email.Decode(msgs[0])
	if err != nil {
		t.Fatalf("Decode: unexpected error: %v", err)
	}
	if env.Sender != "alice" || env.Body != "hello bob" {
		t.Errorf("decoded: got %+v", env)
	}
}

func TestAppend_ConcurrentSameRecipient(t *testing.T) {
	t.Parallel()

	backend := &memBackend{}
	s := New(backend)
	ctx := context.Background()

	const writers = 20
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Append(ctx, "bob", fmt.Sprintf("w%d-%d", w, i)); err != nil {
					t.Errorf("Append: unexpected error: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	msgs, _ := s.Lookup("bob")
	if len(msgs) != writers*perWriter {
		t.Fatalf("messages: got %d, want %d", len(msgs), writers*perWriter)
	}

	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if seen[m] {
			t.Errorf("duplicate message %q", m)
		}
		seen[m] = true
	}

	// The last snapshot saved must contain every message.
	backend.mu.Lock()
	saved := len(backend.state.Mailboxes["bob"])
	backend.mu.Unlock()
	if saved != writers*perWriter {
		t.Errorf("last snapshot: got %d messages, want %d", saved, writers*perWriter)
	}
}
