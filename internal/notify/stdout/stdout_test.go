package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shineum/smtp-mailbox-lite/internal/notify"
)

func TestNotify_Basic(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := NewWithWriter(&buf)

	err := n.Notify(context.Background(), notify.Notice{
		Recipient:   "bob",
		Sender:      "alice",
		DeliveredAt: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "New message for: bob") {
		t.Error("output missing recipient line")
	}
	if !strings.Contains(output, "From: alice") {
		t.Error("output missing sender line")
	}
	if !strings.Contains(output, "Delivered: 2026-10-19T12:00:00Z") {
		t.Error("output missing delivery time")
	}
	if strings.Contains(output, "Mailbox: created") {
		t.Error("output should not mention mailbox creation for later messages")
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be framed by separator lines")
	}
}

func TestNotify_FirstMessage(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := NewWithWriter(&buf)

	if err := n.Notify(context.Background(), notify.Notice{Recipient: "bob", Sender: "alice", FirstMessage: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Mailbox: created") {
		t.Error("output should mention mailbox creation")
	}
	if strings.Contains(buf.String(), "Delivered:") {
		t.Error("output should omit a zero delivery time")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestNotify_WriteError(t *testing.T) {
	t.Parallel()

	n := NewWithWriter(failingWriter{})
	if err := n.Notify(context.Background(), notify.Notice{Recipient: "bob"}); err == nil {
		t.Error("expected write error")
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	n := New()
	if n.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", n.Name(), "stdout")
	}
}

func TestNotifierInterface(t *testing.T) {
	t.Parallel()

	var _ notify.Notifier = (*Notifier)(nil)
}
