// Package discord implements the privilege gateway and notifier against the
// Discord REST API v10. Guilds are tenants, roles are capabilities and
// members are identities.
package discord

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
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/quartz"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/licenser/internal/port/privilege"
	"github.com/Strob0t/licenser/internal/resilience"
)

const (
	// DefaultAPIBase is the Discord REST endpoint used when none is configured.
	DefaultAPIBase = "https://discord.com/api/v10"

	maxAttempts = 3
)

// Discord JSON error codes the adapter cares about.
const (
	codeUnknownGuild  = 10004
	codeMissingAccess = 50001
)

// APIError is a non-2xx response from Discord.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord API %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps HTTP status onto the privilege port sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return privilege.ErrNotFound
	case http.StatusForbidden:
		return privilege.ErrForbidden
	}
	return nil
}

// Client is a bot-authenticated Discord REST client. Every request is
// bounded by the guard's timeout and breaker, limited by a semaphore, and
// retried on 429 and 5xx responses.
type Client struct {
	base       string
	token      string
	httpClient *http.Client
	guard      *resilience.Guard
	sem        *semaphore.Weighted
	newBackOff func() backoff.BackOff
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// WithGuard sets the timeout and circuit breaker applied to each request.
func WithGuard(g *resilience.Guard) ClientOption {
	return func(cl *Client) { cl.guard = g }
}

// WithMaxConcurrent bounds the number of in-flight requests.
func WithMaxConcurrent(n int) ClientOption {
	return func(cl *Client) {
		if n > 0 {
			cl.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewClient creates a Discord REST client. An empty base uses DefaultAPIBase.
func NewClient(base, token string, opts ...ClientOption) *Client {
	if base == "" {
		base = DefaultAPIBase
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		token:      token,
		httpClient: &http.Client{},
		sem:        semaphore.NewWeighted(4),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.guard == nil {
		c.guard = resilience.NewGuard(5, 30*time.Second, 10*time.Second, quartz.NewReal())
	}
	if c.guard.Ignore == nil {
		c.guard.Ignore = isExpected
	}
	return c
}

// isExpected reports errors that are answers from a healthy API rather
// than infrastructure failures.
func isExpected(err error) bool {
	return errors.Is(err, privilege.ErrNotFound) || errors.Is(err, privilege.ErrForbidden)
}

// do sends a request and decodes a JSON response into out (if non-nil).
// reason is sent as the audit log reason when set.
func (c *Client) do(ctx context.Context, method, path, reason string, in, out any) error {
	if c.token == "" {
		return errors.New("discord: bot token not configured")
	}
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("discord marshal: %w", err)
		}
	}

	return c.guard.Call(ctx, func(ctx context.Context) error {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, c.once(ctx, method, path, reason, body, out)
		},
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxTries(maxAttempts),
			backoff.WithNotify(func(err error, next time.Duration) {
				slog.DebugContext(ctx, "discord request retry", "method", method, "path", path, "error", err, "next", next)
			}),
		)
		return err
	})
}

// once performs a single HTTP round trip. Errors that must not be retried
// are wrapped with backoff.Permanent.
func (c *Client) once(ctx context.Context, method, path, reason string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("discord request: %w", err))
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", "DiscordBot (https://github.com/Strob0t/licenser, 1)")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if reason != "" {
		req.Header.Set("X-Audit-Log-Reason", url.PathEscape(reason))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(fmt.Errorf("discord %s %s: %w", method, path, err))
		}
		return fmt.Errorf("discord %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.RetryAfter(retryAfterSeconds(resp.Header.Get("Retry-After")))
		case resp.StatusCode >= 500:
			return apiErr
		default:
			return backoff.Permanent(apiErr)
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("discord decode: %w", err))
	}
	return nil
}

func retryAfterSeconds(h string) int {
	f, err := strconv.ParseFloat(h, 64)
	if err != nil || f < 1 {
		return 1
	}
	return int(f + 0.999)
}

func guildPath(guildID string, parts ...string) string {
	p := "/guilds/" + url.PathEscape(guildID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
