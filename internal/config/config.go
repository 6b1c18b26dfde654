// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mailbox server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mailbox backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// Notification providers.
const (
	NotifyNone   = "none"
	NotifyStdout = "stdout"
	NotifySES    = "ses"
	NotifyGraph  = "graph"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	Delivery DeliveryConfig `yaml:"delivery"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	S3       S3Config       `yaml:"s3"`
	Notify   NotifyConfig   `yaml:"notify"`
	SES      SESConfig      `yaml:"ses"`
	Graph    GraphConfig    `yaml:"graph"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds the protocol listener configuration.
type SMTPConfig struct {
	Listen      string        `yaml:"listen"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// QuitShutdown makes a client QUIT stop the whole server.
	QuitShutdown bool `yaml:"quit_shutdown"`
}

// MailboxConfig selects where mailbox state is kept and when it is saved.
type MailboxConfig struct {
	Backend string `yaml:"backend"`
	File    string `yaml:"file"`
	Persist string `yaml:"persist"`
}

// DeliveryConfig sizes the background delivery dispatcher.
type DeliveryConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// SQLiteConfig holds the SQLite backend settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// S3Config holds the S3-compatible object store settings.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
}

// NotifyConfig selects the new-mail notifier.
type NotifyConfig struct {
	Provider string `yaml:"provider"`

	// Domain is appended to recipients that are not full addresses.
	Domain string `yaml:"domain"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// MetricsConfig holds the Prometheus endpoint address. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// Validate checks enumerated values and the settings each selected
// backend and notifier needs.
func (c *Config) Validate() error {
	switch c.Mailbox.Backend {
	case BackendFile:
		if c.Mailbox.File == "" {
			return fmt.Errorf("mailbox.file is required for the %s backend", BackendFile)
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for the %s backend", BackendSQLite)
		}
	case BackendS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("s3.endpoint and s3.bucket are required for the %s backend", BackendS3)
		}
	default:
		return fmt.Errorf("unknown mailbox backend %q", c.Mailbox.Backend)
	}

	switch c.Mailbox.Persist {
	case "always", "create":
	default:
		return fmt.Errorf("unknown mailbox persist policy %q", c.Mailbox.Persist)
	}

	switch c.Notify.Provider {
	case NotifyNone, NotifyStdout:
	case NotifySES:
		if !c.SESConfigured() {
			return fmt.Errorf("ses.region and ses.sender are required for the %s notifier", NotifySES)
		}
	case NotifyGraph:
		if !c.GraphConfigured() {
			return fmt.Errorf("graph.tenant_id, graph.client_id, graph.client_secret and graph.sender are required for the %s notifier", NotifyGraph)
		}
	default:
		return fmt.Errorf("unknown notify provider %q", c.Notify.Provider)
	}

	if c.Delivery.Workers < 1 {
		return fmt.Errorf("delivery.workers must be at least 1, got %d", c.Delivery.Workers)
	}
	if c.Delivery.QueueSize < 1 {
		return fmt.Errorf("delivery.queue_size must be at least 1, got %d", c.Delivery.QueueSize)
	}
	if c.SMTP.IdleTimeout < 0 {
		return fmt.Errorf("smtp.idle_timeout must not be negative, got %s", c.SMTP.IdleTimeout)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.IdleTimeout = 5 * time.Minute
	c.Mailbox.Backend = BackendFile
	c.Mailbox.File = "mailbox.yaml"
	c.Mailbox.Persist = "always"
	c.Delivery.Workers = 4
	c.Delivery.QueueSize = 1024
	c.SQLite.Path = "mailbox.db"
	c.S3.Key = "mailbox.yaml"
	c.S3.UseSSL = true
	c.Notify.Provider = NotifyNone
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	strs := []struct {
		env   string
		field *string
	}{
		{"SMTP_LISTEN", &c.SMTP.Listen},
		{"MAILBOX_FILE", &c.Mailbox.File},
		{"SQLITE_PATH", &c.SQLite.Path},
		{"S3_ENDPOINT", &c.S3.Endpoint},
		{"S3_REGION", &c.S3.Region},
		{"S3_BUCKET", &c.S3.Bucket},
		{"S3_KEY", &c.S3.Key},
		{"S3_ACCESS_KEY_ID", &c.S3.AccessKeyID},
		{"S3_SECRET_ACCESS_KEY", &c.S3.SecretAccessKey},
		{"NOTIFY_DOMAIN", &c.Notify.Domain},
		{"SES_REGION", &c.SES.Region},
		{"SES_ACCESS_KEY_ID", &c.SES.AccessKeyID},
		{"SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey},
		{"SES_SENDER", &c.SES.Sender},
		{"GRAPH_TENANT_ID", &c.Graph.TenantID},
		{"GRAPH_CLIENT_ID", &c.Graph.ClientID},
		{"GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret},
		{"GRAPH_SENDER", &c.Graph.Sender},
		{"METRICS_LISTEN", &c.Metrics.Listen},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.field = v
		}
	}

	// Enumerations are case-insensitive.
	lowers := []struct {
		env   string
		field *string
	}{
		{"MAILBOX_BACKEND", &c.Mailbox.Backend},
		{"MAILBOX_PERSIST", &c.Mailbox.Persist},
		{"NOTIFY_PROVIDER", &c.Notify.Provider},
		{"LOG_LEVEL", &c.Logging.Level},
	}
	for _, s := range lowers {
		if v := os.Getenv(s.env); v != "" {
			*s.field = strings.ToLower(v)
		}
	}

	if v := os.Getenv("SMTP_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_IDLE_TIMEOUT %q: %w", v, err)
		}
		c.SMTP.IdleTimeout = d
	}

	bools := []struct {
		env   string
		field *bool
	}{
		{"SMTP_QUIT_SHUTDOWN", &c.SMTP.QuitShutdown},
		{"S3_USE_SSL", &c.S3.UseSSL},
	}
	for _, b := range bools {
		if v := os.Getenv(b.env); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", b.env, v, err)
			}
			*b.field = parsed
		}
	}

	ints := []struct {
		env   string
		field *int
	}{
		{"DELIVERY_WORKERS", &c.Delivery.Workers},
		{"DELIVERY_QUEUE_SIZE", &c.Delivery.QueueSize},
	}
	for _, n := range ints {
		if v := os.Getenv(n.env); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", n.env, v, err)
			}
			*n.field = parsed
		}
	}

	return nil
}
