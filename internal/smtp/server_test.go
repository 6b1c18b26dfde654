package smtp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/smtp-mailbox-lite/internal/delivery"
	"github.com/shineum/smtp-mailbox-lite/internal/mailbox"
	"github.com/shineum/smtp-mailbox-lite/internal/metrics"
)

// startServer serves on a loopback listener and returns the server and a
// channel carrying Serve's result.
func startServer(t *testing.T, cfg ServerConfig) (*Server, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := New(cfg)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()
	return srv, errc
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

// submit sends n messages to bob over one connection.
func submit(addr string, client, n int) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	for i := 0; i < n; i++ {
		for _, step := range [][2]string{
			{fmt.Sprintf("MAIL FROM:sender%d", client), replyMailFrom},
			{"RCPT TO:bob", replyRcptTo},
			{"DATA", replyData},
			{fmt.Sprintf("msg %d-%d", client, i), replyQueued},
		} {
			if _, err := conn.Write([]byte(step[0] + "\r\n")); err != nil {
				return err
			}
			line, err := reader.ReadString('\n')
			if err != nil {
				return err
			}
			if got := strings.TrimRight(line, "\r\n"); got != step[1] {
				return fmt.Errorf("client %d %q: got %q, want %q", client, step[0], got, step[1])
			}
		}
	}
	return nil
}

func TestServer_Addr(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{})
	if got := srv.Addr(); got != "" {
		t.Errorf("Addr before Serve = %q, want empty", got)
	}

	store, d := newDelivery(t)
	srv, _ = startServer(t, ServerConfig{Mailbox: store, Dispatcher: d})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never reported an address")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !strings.HasPrefix(srv.Addr(), "127.0.0.1:") {
		t.Errorf("Addr = %q, want loopback", srv.Addr())
	}
}

func TestServer_ConcurrentSubmissions(t *testing.T) {
	t.Parallel()

	const clients = 8
	const perClient = 5

	store, d := newDelivery(t)
	m := metrics.New()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(ServerConfig{Mailbox: store, Dispatcher: d, Metrics: m}).Serve(ctx, ln)
	addr := ln.Addr().String()

	var wg sync.WaitGroup
	errc := make(chan error, clients)
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			errc <- submit(addr, c, perClient)
		}(c)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := d.Sync(context.Background(), "bob"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	msgs, ok := store.Lookup("bob")
	if !ok || len(msgs) != clients*perClient {
		t.Fatalf("bob has %d messages, want %d", len(msgs), clients*perClient)
	}

	if got := testutil.ToFloat64(m.Connections); got != clients {
		t.Errorf("connections = %v, want %d", got, clients)
	}
	if got := testutil.ToFloat64(m.MessagesQueued); got != clients*perClient {
		t.Errorf("messages queued = %v, want %d", got, clients*perClient)
	}
}

func TestServer_QuitIsScopedByDefault(t *testing.T) {
	t.Parallel()

	store, d := newDelivery(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := New(ServerConfig{Mailbox: store, Dispatcher: d})
	go srv.Serve(ctx, ln)
	addr := ln.Addr().String()

	first, firstReader := dial(t, addr)
	expect(t, first, firstReader, "QUIT", replyQuit)

	second, secondReader := dial(t, addr)
	expect(t, second, secondReader, "HELO", replyHELO)

	if srv.QuitRequested() {
		t.Error("QuitRequested should be false when QuitShutdown is off")
	}
}

func TestServer_QuitShutdown(t *testing.T) {
	t.Parallel()

	store, d := newDelivery(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	srv := New(ServerConfig{Mailbox: store, Dispatcher: d, QuitShutdown: true})
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), ln) }()
	addr := ln.Addr().String()

	// An idle client must not keep the server running.
	_, _ = dial(t, addr)

	conn, reader := dial(t, addr)
	expect(t, conn, reader, "QUIT", replyQuit)

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after QUIT")
	}

	if !srv.QuitRequested() {
		t.Error("QuitRequested should be true")
	}
	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

func TestServer_ContextCancel(t *testing.T) {
	t.Parallel()

	store, d := newDelivery(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- New(ServerConfig{Mailbox: store, Dispatcher: d}).Serve(ctx, ln) }()

	conn, reader := dial(t, ln.Addr().String())
	expect(t, conn, reader, "HELO", replyHELO)

	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func TestServer_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	store, d := newDelivery(t)
	srv, errc := startServer(t, ServerConfig{Mailbox: store, Dispatcher: d})

	srv.Shutdown()
	srv.Shutdown()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop after Shutdown")
	}
}

func TestServer_ClosedDispatcherRejectsMessages(t *testing.T) {
	t.Parallel()

	store := mailbox.New(nil)
	d := delivery.New(store, delivery.Config{})
	d.Close()

	srv, _ := startServer(t, ServerConfig{Mailbox: store, Dispatcher: d})
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server never reported an address")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, reader := dial(t, srv.Addr())
	expect(t, conn, reader, "MAIL FROM:a", replyMailFrom)
	expect(t, conn, reader, "RCPT TO:b", replyRcptTo)
	expect(t, conn, reader, "DATA", replyData)
	expect(t, conn, reader, "body", replyQueueFail)
}
