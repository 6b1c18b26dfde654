// Package mailbox provides the process-wide store that maps a recipient
// identifier to the ordered list of messages delivered to it.
//
// The [Store] is safe for concurrent use. Reads may run in parallel with
// each other but never with a write. Keys are created on the first message
// for a recipient and are never removed.
//
// Durability is delegated to a [snapshot.Backend]: the whole store is
// written as one image, either after every append ([PersistAlways]) or only
// when a recipient is seen for the first time ([PersistOnCreate]).
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shineum/smtp-mailbox-lite/internal/metrics"
	"github.com/shineum/smtp-mailbox-lite/internal/snapshot"
)

// PersistPolicy selects which appends trigger a snapshot write.
type PersistPolicy int

const (
	// PersistAlways saves the store after every successful append.
	PersistAlways PersistPolicy = iota
	// PersistOnCreate saves only when an append creates a new recipient.
	PersistOnCreate
)

// ParsePersistPolicy converts a configuration value ("always" or "create").
func ParsePersistPolicy(s string) (PersistPolicy, error) {
	switch s {
	case "always", "":
		return PersistAlways, nil
	case "create":
		return PersistOnCreate, nil
	default:
		return 0, fmt.Errorf("mailbox: unknown persist policy %q", s)
	}
}

func (p PersistPolicy) String() string {
	if p == PersistOnCreate {
		return "create"
	}
	return "always"
}

// Option configures a Store.
type Option func(*Store)

// WithPersistPolicy sets the snapshot policy. The default is PersistAlways.
func WithPersistPolicy(p PersistPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithMetrics attaches Prometheus collectors to the store.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// Store is the in-memory mailbox map backed by a snapshot backend.
type Store struct {
	mu    sync.RWMutex
	boxes map[string][]string

	// saveMu orders snapshot writes so an older image never replaces a newer one.
	saveMu sync.Mutex

	backend snapshot.Backend
	policy  PersistPolicy
	metrics *metrics.Metrics
}

// New creates an empty Store. A nil backend disables persistence.
func New(backend snapshot.Backend, opts ...Option) *Store {
	s := &Store{
		boxes:   make(map[string][]string),
		backend: backend,
		policy:  PersistAlways,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

// Load creates a Store from the backend's saved state. When nothing has been
// saved yet the store starts empty. Any other failure is returned, since
// serving from a partially decoded store would lose mail on the next save.
func Load(ctx context.Context, backend snapshot.Backend, opts ...Option) (*Store, error) {
	s := New(backend, opts...)

	st, err := backend.Load(ctx)
	if err != nil {
		if errors.Is(err, snapshot.ErrNotFound) {
			slog.Info("no saved mailbox state, starting empty", "backend", backend.Name())
			return s, nil
		}
		return nil, fmt.Errorf("mailbox: load state from %s: %w", backend.Name(), err)
	}

	for recipient, msgs := range st.Mailboxes {
		if len(msgs) == 0 {
			continue
		}
		s.boxes[recipient] = append([]string(nil), msgs...)
	}
	s.metrics.Recipients.Set(float64(len(s.boxes)))

	slog.Info("mailbox state loaded",
		"backend", backend.Name(),
		"recipients", len(s.boxes),
		"messages", st.MessageCount(),
	)
	return s, nil
}

// Append adds message to the end of recipient's mailbox, creating the
// mailbox if this is the recipient's first message. The in-memory change is
// always applied; the returned error only reports a failed snapshot write.
func (s *Store) Append(ctx context.Context, recipient, message string) (created bool, err error) {
	s.mu.Lock()
	msgs, ok := s.boxes[recipient]
	s.boxes[recipient] = append(msgs, message)
	created = !ok
	count := len(s.boxes)
	s.mu.Unlock()

	if created {
		s.metrics.Recipients.Set(float64(count))
		slog.Debug("mailbox created", "recipient", recipient)
	}

	if created || s.policy == PersistAlways {
		if err := s.Persist(ctx); err != nil {
			return created, err
		}
	}
	return created, nil
}

// Lookup returns a copy of recipient's messages in delivery order, and
// false if nothing was ever delivered to recipient.
func (s *Store) Lookup(recipient string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.boxes[recipient]
	if !ok {
		return nil, false
	}
	return append([]string(nil), msgs...), true
}

// Recipients returns every known recipient, sorted.
func (s *Store) Recipients() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.boxes))
	for r := range s.boxes {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of recipients.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.boxes)
}

// Snapshot returns a deep copy of the store contents.
func (s *Store) Snapshot() *snapshot.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := snapshot.NewState()
	for r, msgs := range s.boxes {
		st.Mailboxes[r] = append([]string(nil), msgs...)
	}
	return st
}

// Persist writes the whole store to the backend.
func (s *Store) Persist(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	st := s.Snapshot()
	if err := s.backend.Save(ctx, st); err != nil {
		s.metrics.Persists.WithLabelValues("error").Inc()
		return fmt.Errorf("mailbox: save state to %s: %w", s.backend.Name(), err)
	}
	s.metrics.Persists.WithLabelValues("ok").Inc()

	slog.Debug("mailbox state saved",
		"backend", s.backend.Name(),
		"recipients", len(st.Mailboxes),
	)
	return nil
}
