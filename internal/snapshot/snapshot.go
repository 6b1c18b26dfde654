// Package snapshot defines the persisted image of the mailbox store and the
// interface that durable storage backends implement.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// CurrentVersion is the format version written by Marshal.
const CurrentVersion = 1

// ErrNotFound is returned by Backend.Load when no state has been saved yet.
// It is the normal first-run condition.
var ErrNotFound = errors.New("snapshot: no saved state")

// State is the whole-store image: every recipient with its messages in
// delivery order.
type State struct {
	Version   int                 `yaml:"version"`
	Mailboxes map[string][]string `yaml:"mailboxes"`
}

// NewState returns an empty State at the current version.
func NewState() *State {
	return &State{
		Version:   CurrentVersion,
		Mailboxes: make(map[string][]string),
	}
}

// MessageCount returns the total number of messages across all recipients.
func (s *State) MessageCount() int {
	n := 0
	for _, msgs := range s.Mailboxes {
		n += len(msgs)
	}
	return n
}

// Backend is the interface that durable storage for the mailbox store must
// implement. Save always overwrites the previous state as a whole.
type Backend interface {
	// Load returns the last saved state, or ErrNotFound if there is none.
	Load(ctx context.Context) (*State, error)

	// Save replaces the stored state with st.
	Save(ctx context.Context, st *State) error

	// Name returns the human-readable name of this backend.
	Name() string
}

// Marshal encodes a state as a YAML document.
func Marshal(st *State) ([]byte, error) {
	out := *st
	out.Version = CurrentVersion
	if out.Mailboxes == nil {
		out.Mailboxes = map[string][]string{}
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal state: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a YAML document produced by Marshal.
func Unmarshal(data []byte) (*State, error) {
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal state: %w", err)
	}
	if st.Version != CurrentVersion {
		return nil, fmt.Errorf("snapshot: unsupported state version %d", st.Version)
	}
	if st.Mailboxes == nil {
		st.Mailboxes = make(map[string][]string)
	}
	return &st, nil
}
