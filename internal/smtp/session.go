package smtp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-mailbox-lite/internal/delivery"
	"github.com/shineum/smtp-mailbox-lite/internal/email"
	"github.com/shineum/smtp-mailbox-lite/internal/metrics"
)

// sessionState tracks where the session is in a submission transaction.
type sessionState int

const (
	stateStart     sessionState = iota // No HELO yet, no transaction.
	stateGreeted                       // HELO received, no transaction.
	stateAwaitRcpt                     // MAIL FROM accepted.
	stateAwaitData                     // RCPT TO accepted.
	stateAwaitBody                     // DATA accepted; the next line is the body.
)

// Protocol replies. Every reply is a single line.
const (
	replyHELO         = "250 - HELO - OK"
	replyMailFrom     = "250 - MAIL FROM - OK"
	replyRcptTo       = "250 - RCPT TO - OK"
	replyData         = "250 - DATA - OK"
	replyQueued       = "250 - Message Queued - OK"
	replyQueueFail    = "451 - Message Queued - FAIL"
	replyRetrieveFail = "221 - RETRIEVE FROM - FAIL"
	replyQuit         = "221 - QUIT - OK"
	replyBadSequence  = "503 - Bad Sequence - FAIL"
	replyUnrecognized = "500 - Unrecognized Command - FAIL"
)

// command identifies a parsed protocol line.
type command int

const (
	cmdUnknown command = iota
	cmdHELO
	cmdMailFrom
	cmdRcptTo
	cmdData
	cmdRetrieve
	cmdQuit
)

func (c command) String() string {
	switch c {
	case cmdHELO:
		return "HELO"
	case cmdMailFrom:
		return "MAIL FROM"
	case cmdRcptTo:
		return "RCPT TO"
	case cmdData:
		return "DATA"
	case cmdRetrieve:
		return "RETRIEVE FROM"
	case cmdQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// Mailbox is the read side of the mailbox store used by RETRIEVE.
type Mailbox interface {
	Lookup(recipient string) ([]string, bool)
}

// Dispatcher accepts messages for background delivery.
type Dispatcher interface {
	Enqueue(ctx context.Context, task delivery.Task) error
	Sync(ctx context.Context, recipient string) error
}

// SessionConfig holds the collaborators of a Session.
type SessionConfig struct {
	Mailbox    Mailbox
	Dispatcher Dispatcher

	// IdleTimeout closes the session when no line arrives in time.
	// Zero disables the timeout.
	IdleTimeout time.Duration

	Metrics *metrics.Metrics

	// OnQuit is called after the QUIT reply has been written.
	OnQuit func()
}

// Session represents a single client connection and runs the protocol
// state machine. Commands are processed one at a time.
type Session struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  sessionState
	cfg    SessionConfig
	log    *slog.Logger

	greeted bool

	// Current transaction
	envelope email.Envelope
}

// NewSession creates a new session for the given connection.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateStart,
		cfg:    cfg,
		log: slog.With(
			"session_id", id,
			"remote_addr", conn.RemoteAddr().String(),
		),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// Handle runs the session until the client disconnects, sends QUIT, or ctx
// is cancelled. The connection is closed on return.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	// Unblock a pending read when the server shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	s.log.Debug("session started")
	defer s.log.Debug("session ended")

	for {
		if ctx.Err() != nil {
			return
		}

		if s.cfg.IdleTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
				s.log.Error("failed to set connection deadline", "error", err)
				return
			}
		}

		line, err := s.reader.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")

		if s.state == stateAwaitBody {
			s.handleBody(ctx, line)
			continue
		}
		if line == "" {
			continue
		}

		if quit := s.handleCommand(ctx, line); quit {
			return
		}
	}
}

// handleCommand processes a single command line and returns true if the
// session should end.
func (s *Session) handleCommand(ctx context.Context, line string) bool {
	cmd, arg := parseCommand(line)
	s.cfg.Metrics.Commands.WithLabelValues(cmd.String()).Inc()

	// RETRIEVE and QUIT are accepted in every state outside the body line.
	switch cmd {
	case cmdRetrieve:
		s.handleRETRIEVE(ctx, arg)
		return false
	case cmdQuit:
		s.handleQUIT()
		return true
	}

	switch s.state {
	case stateAwaitRcpt:
		if cmd != cmdRcptTo {
			s.rejectSequence(cmd)
			return false
		}
		s.handleRCPT(arg)

	case stateAwaitData:
		if cmd != cmdData {
			s.rejectSequence(cmd)
			return false
		}
		s.handleDATA()

	default:
		switch cmd {
		case cmdHELO:
			s.handleHELO()
		case cmdMailFrom:
			s.handleMAIL(arg)
		case cmdRcptTo, cmdData:
			s.rejectSequence(cmd)
		default:
			s.cfg.Metrics.ProtocolErrors.WithLabelValues("unrecognized").Inc()
			s.writeLine(replyUnrecognized)
		}
	}
	return false
}

// handleHELO processes the greeting.
func (s *Session) handleHELO() {
	s.greeted = true
	s.state = stateGreeted
	s.writeLine(replyHELO)
}

// handleMAIL starts a transaction and captures the sender.
func (s *Session) handleMAIL(sender string) {
	s.envelope = email.Envelope{Sender: sender}
	s.state = stateAwaitRcpt
	s.writeLine(replyMailFrom)
}

// handleRCPT captures the recipient.
func (s *Session) handleRCPT(recipient string) {
	s.envelope.Recipient = recipient
	s.state = stateAwaitData
	s.writeLine(replyRcptTo)
}

// handleDATA announces that the next line is the body.
func (s *Session) handleDATA() {
	s.state = stateAwaitBody
	s.writeLine(replyData)
}

// handleBody seals the envelope and hands it to the dispatcher. The client
// is acknowledged once the task is queued, before it is stored.
func (s *Session) handleBody(ctx context.Context, body string) {
	env := s.envelope
	env.Body = body
	s.resetTransaction()

	task := delivery.Task{
		Recipient: env.Recipient,
		Sender:    env.Sender,
		Message:   email.Seal(env),
	}

	if err := s.cfg.Dispatcher.Enqueue(ctx, task); err != nil {
		s.log.Error("failed to queue message",
			"recipient", env.Recipient,
			"error", err,
		)
		s.writeLine(replyQueueFail)
		return
	}

	s.cfg.Metrics.MessagesQueued.Inc()
	s.log.Info("message queued",
		"sender", env.Sender,
		"recipient", env.Recipient,
	)
	s.writeLine(replyQueued)
}

// handleRETRIEVE writes every stored message for user, each followed by a
// newline, and then an empty line. Unknown users get a failure reply.
func (s *Session) handleRETRIEVE(ctx context.Context, user string) {
	if err := s.cfg.Dispatcher.Sync(ctx, user); err != nil && !errors.Is(err, delivery.ErrClosed) {
		s.log.Warn("failed to wait for pending deliveries", "user", user, "error", err)
	}

	msgs, ok := s.cfg.Mailbox.Lookup(user)
	if !ok {
		s.cfg.Metrics.Retrievals.WithLabelValues("miss").Inc()
		s.writeLine(replyRetrieveFail)
		return
	}

	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m)
		b.WriteString("\n")
	}

	s.cfg.Metrics.Retrievals.WithLabelValues("ok").Inc()
	s.log.Debug("mailbox retrieved", "user", user, "messages", len(msgs))
	s.writeLine(b.String())
}

// handleQUIT acknowledges the client; the caller closes the connection.
func (s *Session) handleQUIT() {
	s.writeLine(replyQuit)
	if s.cfg.OnQuit != nil {
		s.cfg.OnQuit()
	}
}

// rejectSequence answers an out-of-order command and discards any
// transaction in progress.
func (s *Session) rejectSequence(cmd command) {
	s.cfg.Metrics.ProtocolErrors.WithLabelValues("bad_sequence").Inc()
	s.log.Debug("command out of sequence", "command", cmd.String(), "state", int(s.state))
	s.resetTransaction()
	s.writeLine(replyBadSequence)
}

// resetTransaction clears the envelope and returns to the idle state.
func (s *Session) resetTransaction() {
	s.envelope = email.Envelope{}
	if s.greeted {
		s.state = stateGreeted
	} else {
		s.state = stateStart
	}
}

// writeLine writes a line to the client, followed by \n.
func (s *Session) writeLine(line string) {
	if _, err := s.writer.WriteString(line + "\n"); err != nil {
		s.log.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.log.Error("failed to flush to client", "error", err)
	}
}

// commandPrefixes maps argument-carrying commands to their literal prefix.
var commandPrefixes = []struct {
	cmd    command
	prefix string
}{
	{cmdMailFrom, "MAIL FROM:"},
	{cmdRcptTo, "RCPT TO:"},
	{cmdRetrieve, "RETRIEVE FROM:"},
}

// parseCommand identifies a command line and returns its argument verbatim.
// Command words are matched case-insensitively; verbs without an argument
// must stand alone on the line.
func parseCommand(line string) (command, string) {
	for _, p := range commandPrefixes {
		if len(line) >= len(p.prefix) && strings.EqualFold(line[:len(p.prefix)], p.prefix) {
			return p.cmd, line[len(p.prefix):]
		}
	}

	switch verb := strings.TrimSpace(line); {
	case strings.EqualFold(verb, "HELO"):
		return cmdHELO, ""
	case strings.EqualFold(verb, "DATA"):
		return cmdData, ""
	case strings.EqualFold(verb, "QUIT"):
		return cmdQuit, ""
	}
	return cmdUnknown, ""
}
