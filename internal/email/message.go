// Package email defines the envelope and stored-message formats shared by
// the SMTP session, the delivery pipeline and the mailbox tooling.
package email

import (
	"errors"
	"strings"

	"github.com/shineum/smtp-mailbox-lite/internal/cipher"
)

// Stored messages are framed by these literal markers. They are added after
// the cipher runs, so they appear verbatim in RETRIEVE output.
const (
	MessageStart = "<<EMAIL_START>>"
	MessageEnd   = "<<EMAIL_END>>"
)

// fromPrefix starts the reconstructed sender line of every stored message.
const fromPrefix = "Mail From: "

// ErrMalformed is returned when a stored message lacks its framing markers
// or its decoded content has no sender line.
var ErrMalformed = errors.New("email: malformed stored message")

// Envelope is the sender, recipient and body collected during one
// submission transaction.
type Envelope struct {
	Sender    string
	Recipient string
	Body      string
}

// Compose renders the plain text that gets encoded for storage:
// a "Mail From:" line followed by the body, each newline terminated.
func (e Envelope) Compose() string {
	return fromPrefix + e.Sender + "\n" + e.Body + "\n"
}

// Seal encodes the envelope into its stored form.
func Seal(e Envelope) string {
	return MessageStart + cipher.Rotate(e.Compose()) + MessageEnd
}

// Open reverses Seal and returns the composed plain text.
func Open(stored string) (string, error) {
	if len(stored) < len(MessageStart)+len(MessageEnd) ||
		!strings.HasPrefix(stored, MessageStart) || !strings.HasSuffix(stored, MessageEnd) {
		return "", ErrMalformed
	}
	inner := stored[len(MessageStart) : len(stored)-len(MessageEnd)]
	return cipher.Rotate(inner), nil
}

// Decode reverses Seal and splits the plain text back into sender and body.
// The recipient is not part of the stored form and is left empty.
func Decode(stored string) (Envelope, error) {
	plain, err := Open(stored)
	if err != nil {
		return Envelope{}, err
	}

	header, rest, ok := strings.Cut(plain, "\n")
	if !ok || !strings.HasPrefix(header, fromPrefix) {
		return Envelope{}, ErrMalformed
	}

	return Envelope{
		Sender: strings.TrimPrefix(header, fromPrefix),
		Body:   strings.TrimSuffix(rest, "\n"),
	}, nil
}
