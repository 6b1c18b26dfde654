package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-mailbox-lite/internal/config"
	"github.com/shineum/smtp-mailbox-lite/internal/delivery"
	"github.com/shineum/smtp-mailbox-lite/internal/mailbox"
	"github.com/shineum/smtp-mailbox-lite/internal/metrics"
	"github.com/shineum/smtp-mailbox-lite/internal/notify"
	"github.com/shineum/smtp-mailbox-lite/internal/notify/graph"
	"github.com/shineum/smtp-mailbox-lite/internal/notify/ses"
	"github.com/shineum/smtp-mailbox-lite/internal/notify/stdout"
	"github.com/shineum/smtp-mailbox-lite/internal/smtp"
	"github.com/shineum/smtp-mailbox-lite/internal/snapshot"
	"github.com/shineum/smtp-mailbox-lite/internal/snapshot/file"
	"github.com/shineum/smtp-mailbox-lite/internal/snapshot/objectstore"
	"github.com/shineum/smtp-mailbox-lite/internal/snapshot/sqlite"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	setupLogger(os.Stdout, cfg.Logging.Level)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	m := metrics.New()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	policy, err := mailbox.ParsePersistPolicy(cfg.Mailbox.Persist)
	if err != nil {
		return err
	}

	store, err := mailbox.Load(ctx, backend,
		mailbox.WithPersistPolicy(policy),
		mailbox.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	notifier, err := selectNotifier(ctx, cfg)
	if err != nil {
		return err
	}

	dispatcher := delivery.New(store, delivery.Config{
		Workers:   cfg.Delivery.Workers,
		QueueSize: cfg.Delivery.QueueSize,
		Notifier:  notifier,
		Metrics:   m,
	})

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:   cfg.SMTP.Listen,
		Mailbox:      store,
		Dispatcher:   dispatcher,
		IdleTimeout:  cfg.SMTP.IdleTimeout,
		QuitShutdown: cfg.SMTP.QuitShutdown,
		Metrics:      m,
	})

	slog.Info("starting smtp-mailbox",
		"listen", cfg.SMTP.Listen,
		"backend", backend.Name(),
		"persist", policy.String(),
		"workers", cfg.Delivery.Workers,
		"notifier", cfg.Notify.Provider,
		"metrics_listen", cfg.Metrics.Listen,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The metrics server follows the SMTP server down, including on QUIT.
		defer cancel()
		return server.ListenAndServe(gctx)
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return m.ListenAndServe(gctx, cfg.Metrics.Listen)
		})
	}

	serveErr := g.Wait()

	// Apply everything already acknowledged, then write the final state.
	dispatcher.Close()
	if err := store.Persist(context.Background()); err != nil {
		slog.Error("failed to save mailbox state on shutdown", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}

	if server.QuitRequested() {
		slog.Info("smtp-mailbox stopped by client QUIT")
	} else {
		slog.Info("smtp-mailbox stopped")
	}
	return nil
}

// openBackend builds the snapshot backend selected by mailbox.backend. The
// returned func releases backend resources.
func openBackend(ctx context.Context, cfg *config.Config) (snapshot.Backend, func(), error) {
	switch cfg.Mailbox.Backend {
	case config.BackendFile:
		return file.New(cfg.Mailbox.File), func() {}, nil

	case config.BackendSQLite:
		b, err := sqlite.New(cfg.SQLite.Path, cfg.Logging.Level == "debug")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		return b, func() {
			if err := b.Close(); err != nil {
				slog.Warn("failed to close sqlite backend", "error", err)
			}
		}, nil

	case config.BackendS3:
		b, err := objectstore.New(ctx, objectstore.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Key:             cfg.S3.Key,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UseSSL:          cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open s3 backend: %w", err)
		}
		return b, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown mailbox backend %q", cfg.Mailbox.Backend)
	}
}

// selectNotifier chooses the new-mail notifier. "none" returns a nil
// Notifier, which disables notifications.
func selectNotifier(ctx context.Context, cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notify.Provider {
	case config.NotifyNone, "":
		return nil, nil

	case config.NotifyStdout:
		slog.Info("using stdout notifier")
		return stdout.New(), nil

	case config.NotifySES:
		slog.Info("using AWS SES notifier",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
			"domain", cfg.Notify.Domain,
		)
		n, err := ses.New(ctx, ses.Config{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
			Domain:          cfg.Notify.Domain,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES notifier: %w", err)
		}
		return n, nil

	case config.NotifyGraph:
		slog.Info("using Microsoft Graph notifier",
			"tenant_id", cfg.Graph.TenantID,
			"sender", cfg.Graph.Sender,
			"domain", cfg.Notify.Domain,
		)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
			Domain:       cfg.Notify.Domain,
		}), nil

	default:
		return nil, fmt.Errorf("unknown notify provider %q", cfg.Notify.Provider)
	}
}
