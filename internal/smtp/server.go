package smtp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-mailbox-lite/internal/metrics"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for a mailbox server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Mailbox serves RETRIEVE requests.
	Mailbox Mailbox

	// Dispatcher receives accepted messages.
	Dispatcher Dispatcher

	// IdleTimeout closes a session that sends nothing for this long.
	IdleTimeout time.Duration

	// QuitShutdown makes QUIT from any client stop the whole server.
	QuitShutdown bool

	Metrics *metrics.Metrics
}

// Server accepts connections and runs one Session per connection.
type Server struct {
	config ServerConfig

	mu       sync.Mutex
	listener net.Listener

	stop     chan struct{}
	stopOnce sync.Once
	quit     bool

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	return &Server{
		config: cfg,
		stop:   make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until ctx is cancelled or
// Shutdown is called. It then stops accepting new connections and waits up
// to 30 seconds for in-flight sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"quit_shutdown", s.config.QuitShutdown,
	)

	// Monitor context and Shutdown for stop
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
		}
		slog.Info("shutting down SMTP server")
		cancel()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.config.Metrics.Connections.Inc()
		s.config.Metrics.ActiveSessions.Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.config.Metrics.ActiveSessions.Dec()

			session := NewSession(conn, SessionConfig{
				Mailbox:     s.config.Mailbox,
				Dispatcher:  s.config.Dispatcher,
				IdleTimeout: s.config.IdleTimeout,
				Metrics:     s.config.Metrics,
				OnQuit:      s.onQuit,
			})
			session.Handle(ctx)
		}()
	}
}

// Shutdown stops the server. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// QuitRequested reports whether a client QUIT stopped the server.
func (s *Server) QuitRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quit
}

func (s *Server) onQuit() {
	if !s.config.QuitShutdown {
		return
	}

	s.mu.Lock()
	s.quit = true
	s.mu.Unlock()

	slog.Info("QUIT received, stopping server")
	s.Shutdown()
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
