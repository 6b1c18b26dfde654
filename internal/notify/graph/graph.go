// Package graph implements a Notifier that emails new-mail notices through
// the Microsoft Graph sendMail endpoint, authenticating with OAuth2 client
// credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/smtp-mailbox-lite/internal/notify"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

const graphScope = "https://graph.microsoft.com/.default"

// Config holds the configuration for creating a Notifier.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string

	// Domain is appended to recipient identifiers that contain no "@".
	Domain string
}

// Notifier posts notices to Graph as the configured sender mailbox.
type Notifier struct {
	sender     string
	domain     string
	sendURL    string
	httpClient *http.Client
	creds      clientcredentials.Config
	baseDelay  time.Duration

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// New creates a Notifier for the given tenant and application.
func New(cfg Config) *Notifier {
	return newWithEndpoints(cfg,
		fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender)),
		fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID)),
		&http.Client{Timeout: 30 * time.Second},
	)
}

// newWithEndpoints creates a Notifier against custom endpoints, used for
// testing.
func newWithEndpoints(cfg Config, sendURL, tokenURL string, client *http.Client) *Notifier {
	n := &Notifier{
		sender:     cfg.Sender,
		domain:     cfg.Domain,
		sendURL:    sendURL,
		httpClient: client,
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		baseDelay: baseRetryDelay,
	}
	n.resetTokens()
	return n
}

// Notify emails the recipient that a new message is waiting. Throttling and
// server errors are retried with backoff; a 401 triggers one token refresh.
func (n *Notifier) Notify(ctx context.Context, notice notify.Notice) error {
	to, err := notify.Address(notice.Recipient, n.domain)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(buildRequest(to, notice))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	refreshed := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := n.post(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *apiError
		if !errors.As(err, &apiErr) {
			return err
		}

		if apiErr.statusCode == http.StatusUnauthorized && !refreshed {
			slog.Info("refreshing Graph token after 401")
			n.resetTokens()
			refreshed = true
			continue
		}
		if !apiErr.retryable() {
			return apiErr
		}

		delay := n.retryDelay(apiErr.retryAfter, attempt)
		slog.Warn("Graph API error",
			"attempt", attempt,
			"status", apiErr.statusCode,
			"retry_in", delay,
			"error", apiErr.message,
		)
		if err := sleepWithContext(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("Graph API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the notifier name.
func (n *Notifier) Name() string {
	return "graph"
}

// resetTokens drops any cached token so the next request fetches a new one.
func (n *Notifier) resetTokens() {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, n.httpClient)

	n.mu.Lock()
	n.tokens = n.creds.TokenSource(ctx)
	n.mu.Unlock()
}

func (n *Notifier) tokenSource() oauth2.TokenSource {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens
}

// post performs one sendMail request.
func (n *Notifier) post(ctx context.Context, payload []byte) error {
	token, err := n.tokenSource().Token()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.sendURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	token.SetAuthHeader(req)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return &apiError{message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &apiError{
		statusCode: resp.StatusCode,
		message:    strings.TrimSpace(string(body)),
		retryAfter: resp.Header.Get("Retry-After"),
	}

	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		apiErr.message = errResp.Error.Message
	}
	return apiErr
}

// retryDelay honours a Retry-After header given in seconds and otherwise
// falls back to exponential backoff.
func (n *Notifier) retryDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return n.backoffDelay(attempt)
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (n *Notifier) backoffDelay(attempt int) time.Duration {
	delay := n.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// apiError is a failed sendMail call. A zero statusCode means the request
// never got a response.
type apiError struct {
	statusCode int
	message    string
	retryAfter string
}

func (e *apiError) Error() string {
	if e.statusCode == 0 {
		return "Graph API request failed: " + e.message
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

func (e *apiError) retryable() bool {
	switch {
	case e.statusCode == 0:
		return true
	case e.statusCode == http.StatusUnauthorized, e.statusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.statusCode >= 500
	}
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
