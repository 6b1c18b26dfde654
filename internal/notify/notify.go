// Package notify defines the interface for new-mail notification backends.
// A notifier is told about each message after it has been stored; it never
// sees the stored message text itself.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoAddress is returned when a recipient identifier cannot be turned into
// an email address because it has no domain and none is configured.
var ErrNoAddress = errors.New("notify: recipient has no email address")

// Notice describes a message that has just been added to a mailbox.
type Notice struct {
	Recipient string
	Sender    string

	// FirstMessage is true when the message created the recipient's mailbox.
	FirstMessage bool

	DeliveredAt time.Time
}

// Notifier is the interface that notification backends must implement.
type Notifier interface {
	// Notify announces a delivered message. It returns an error if the
	// notification could not be sent; delivery itself is unaffected.
	Notify(ctx context.Context, n Notice) error

	// Name returns the human-readable name of this notifier.
	Name() string
}

// Address resolves a recipient identifier to an email address. Identifiers
// that already contain "@" are used as is; others get domain appended.
func Address(recipient, domain string) (string, error) {
	if strings.Contains(recipient, "@") {
		return recipient, nil
	}
	if domain == "" {
		return "", fmt.Errorf("%w: %q", ErrNoAddress, recipient)
	}
	return recipient + "@" + domain, nil
}
