// Package slack implements an audit-channel notifier.Notifier on top of a
// Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/licenser/internal/port/notifier"
)

const providerName = "slack"

func init() {
	notifier.Register(providerName, func(settings map[string]string) (notifier.Notifier, error) {
		if settings["webhook_url"] == "" {
			return nil, notifier.ErrNotConfigured
		}
		return NewNotifier(settings["webhook_url"]), nil
	})
}

// Notifier mirrors tenant audit lines into a Slack channel. Slack has no
// notion of the identities that hold entitlements, so direct messages are
// ignored.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Slack notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{RichFormatting: true}
}

type message struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string  `json:"type"`
	Text     *text   `json:"text,omitempty"`
	Elements []*text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send posts an audit notification. Notifications addressed to a single
// identity are dropped.
func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}
	if notification.Recipient != "" {
		return nil
	}

	title := levelTag(notification.Level) + " " + notification.Title
	msg := message{
		Text: title + ": " + notification.Message,
		Blocks: []block{
			{Type: "header", Text: &text{Type: "plain_text", Text: title}},
			{Type: "section", Text: &text{Type: "mrkdwn", Text: notification.Message}},
		},
	}
	if notification.Source != "" {
		msg.Blocks = append(msg.Blocks, block{
			Type:     "context",
			Elements: []*text{{Type: "mrkdwn", Text: "`" + notification.Source + "`"}},
		})
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("slack API %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func levelTag(level string) string {
	switch level {
	case "success":
		return "[OK]"
	case "error":
		return "[ERROR]"
	case "warning":
		return "[WARN]"
	default:
		return "[INFO]"
	}
}
