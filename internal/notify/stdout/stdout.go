// Package stdout implements a Notifier that prints delivery notices to
// standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shineum/smtp-mailbox-lite/internal/notify"
)

const separator = "----------------------------------------\n"

// Notifier prints notices in a human-readable format.
type Notifier struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Notifier that writes to os.Stdout.
func New() *Notifier {
	return &Notifier{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Notifier that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Notifier {
	return &Notifier{writer: w}
}

// Notify prints the notice. Write errors are returned to the caller.
func (n *Notifier) Notify(_ context.Context, notice notify.Notice) error {
	var b strings.Builder

	b.WriteString(separator)
	b.WriteString(fmt.Sprintf("New message for: %s\n", notice.Recipient))
	b.WriteString(fmt.Sprintf("From: %s\n", notice.Sender))
	if notice.FirstMessage {
		b.WriteString("Mailbox: created\n")
	}
	if !notice.DeliveredAt.IsZero() {
		b.WriteString(fmt.Sprintf("Delivered: %s\n", notice.DeliveredAt.UTC().Format(time.RFC3339)))
	}
	b.WriteString(separator)

	if _, err := fmt.Fprint(n.writer, b.String()); err != nil {
		return fmt.Errorf("write notice: %w", err)
	}
	return nil
}

// Name returns the notifier name.
func (n *Notifier) Name() string {
	return "stdout"
}
