// Package ses implements a Notifier that emails new-mail notices via AWS SES v2.
package ses

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-mailbox-lite/internal/notify"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Notifier.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string

	// Domain is appended to recipient identifiers that contain no "@".
	Domain string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Notifier sends notices through the SES v2 API.
type Notifier struct {
	sender    string
	domain    string
	client    SendEmailAPI
	baseDelay time.Duration
}

// New creates a Notifier with the given configuration.
func New(ctx context.Context, cfg Config) (*Notifier, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, cfg.Domain, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Notifier with a custom client, used for testing.
func NewWithClient(sender, domain string, client SendEmailAPI) *Notifier {
	return &Notifier{
		sender:    sender,
		domain:    domain,
		client:    client,
		baseDelay: baseRetryDelay,
	}
}

// Notify emails the recipient that a new message is waiting.
func (n *Notifier) Notify(ctx context.Context, notice notify.Notice) error {
	to, err := notify.Address(notice.Recipient, n.domain)
	if err != nil {
		return err
	}
	input := buildInput(n.sender, to, notice)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, n.backoffDelay(attempt)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := n.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the notifier name.
func (n *Notifier) Name() string {
	return "ses"
}

// buildInput creates the SES SendEmailInput for a notice.
func buildInput(sender, to string, notice notify.Notice) *sesv2.SendEmailInput {
	subject := fmt.Sprintf("New message from %s", notice.Sender)

	var body strings.Builder
	if notice.FirstMessage {
		fmt.Fprintf(&body, "A mailbox has been opened for %s.\n", notice.Recipient)
	}
	fmt.Fprintf(&body, "A new message from %s is waiting in the mailbox of %s.\n", notice.Sender, notice.Recipient)
	body.WriteString("Retrieve it with: RETRIEVE FROM:" + notice.Recipient + "\n")

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(body.String()),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (n *Notifier) backoffDelay(attempt int) time.Duration {
	delay := n.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
