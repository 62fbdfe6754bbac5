package discord

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

const providerName = "discord"

func init() {
	notifier.Register(providerName, func(settings map[string]string) (notifier.Notifier, error) {
		if settings["bot_token"] == "" && settings["webhook_url"] == "" {
			return nil, notifier.ErrNotConfigured
		}
		var client *Client
		if settings["bot_token"] != "" {
			client = NewClient(settings["api_base"], settings["bot_token"])
		}
		return NewNotifier(client, settings["webhook_url"]), nil
	})
}

// Notifier delivers notifications as direct messages through the bot, or
// to the audit channel webhook when the notification has no recipient.
type Notifier struct {
	client     *Client
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Discord notifier. Either argument may be empty.
func NewNotifier(client *Client, webhookURL string) *Notifier {
	return &Notifier{
		client:     client,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{
		DirectMessages: n.client != nil,
		RichFormatting: true,
	}
}

// discordMessage is the message/webhook payload with embeds.
type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type dmChannel struct {
	ID string `json:"id"`
}

func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	embed := discordEmbed{
		Title:       notification.Title,
		Description: notification.Message,
		Color:       levelColor(notification.Level),
	}
	if notification.Source != "" {
		embed.Footer = &discordFooter{Text: "Source: " + notification.Source}
	}
	msg := discordMessage{Embeds: []discordEmbed{embed}}

	switch {
	case notification.Recipient != "" && n.client != nil:
		return n.sendDirect(ctx, notification.Recipient, msg)
	case notification.Recipient == "" && n.webhookURL != "":
		return n.sendWebhook(ctx, msg)
	default:
		return notifier.ErrNotConfigured
	}
}

func (n *Notifier) sendDirect(ctx context.Context, userID string, msg discordMessage) error {
	var ch dmChannel
	if err := n.client.do(ctx, http.MethodPost, "/users/@me/channels", "", map[string]string{"recipient_id": userID}, &ch); err != nil {
		return fmt.Errorf("discord open dm with %s: %w", userID, err)
	}
	if err := n.client.do(ctx, http.MethodPost, "/channels/"+ch.ID+"/messages", "", msg, nil); err != nil {
		return fmt.Errorf("discord dm %s: %w", userID, err)
	}
	return nil
}

func (n *Notifier) sendWebhook(ctx context.Context, msg discordMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("discord marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Discord returns 204 on success
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord API %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// levelColor returns Discord embed color integers for notification levels.
func levelColor(level string) int {
	switch level {
	case "success":
		return 0x2ECC71 // green
	case "error":
		return 0xE74C3C // red
	case "warning":
		return 0xF39C12 // orange
	default:
		return 0x3498DB // blue (info)
	}
}
