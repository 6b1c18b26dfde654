// Package metrics exposes Prometheus instrumentation for the SMTP server,
// the delivery dispatcher and the mailbox store.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smtp_mailbox"

// Metrics groups every collector registered by the process. Each instance
// owns a private registry so tests can create as many as they need.
type Metrics struct {
	Connections    prometheus.Counter
	ActiveSessions prometheus.Gauge
	Commands       *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec
	MessagesQueued prometheus.Counter
	Deliveries     *prometheus.CounterVec
	Retrievals     *prometheus.CounterVec
	Persists       *prometheus.CounterVec
	Recipients     prometheus.Gauge
	QueueDepth     prometheus.Gauge

	Registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Number of accepted client connections",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently being served",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Number of protocol commands received, by command",
		}, []string{"command"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Number of rejected protocol lines, by reason",
		}, []string{"reason"}),
		MessagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_queued_total",
			Help:      "Number of messages accepted and handed to delivery",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Number of delivery tasks applied to the mailbox store, by result",
		}, []string{"result"}),
		Retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Number of RETRIEVE requests, by result",
		}, []string{"result"}),
		Persists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persists_total",
			Help:      "Number of mailbox snapshot writes, by result",
		}, []string{"result"}),
		Recipients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recipients",
			Help:      "Number of recipients with at least one stored message",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Number of delivery tasks waiting to be applied",
		}),
		Registry: prometheus.NewRegistry(),
	}

	m.Registry.MustRegister(
		m.Connections,
		m.ActiveSessions,
		m.Commands,
		m.ProtocolErrors,
		m.MessagesQueued,
		m.Deliveries,
		m.Retrievals,
		m.Persists,
		m.Recipients,
		m.QueueDepth,
	)
	return m
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ListenAndServe serves /metrics on addr until ctx is cancelled.
func (m *Metrics) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
