// Package discord provides message sending via Discord webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/carrierdesk/notify/internal/queue"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultUsername = "CarrierDesk"

	// Discord caps embed descriptions at 4096 characters.
	maxDescriptionLen = 4096
)

// Embed colors by priority.
const (
	colorCritical = 0xE74C3C
	colorHigh     = 0xE67E22
	colorNormal   = 0x3498DB
)

// Config holds Discord sender configuration. WebhookURL is the fallback for
// messages whose recipient key is not itself a webhook URL.
type Config struct {
	WebhookURL string
	Username   string
	Timeout    time.Duration
}

// Sender implements the Discord webhook sender.
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new Discord sender.
func NewSender(config Config) *Sender {
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Channel returns the channel type.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelDiscord
}

type webhookPayload struct {
	Username string  `json:"username,omitempty"`
	Embeds   []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Send posts one message as a webhook embed. The recipient key is used as
// the webhook URL when it looks like one, otherwise the configured fallback
// applies.
func (s *Sender) Send(ctx context.Context, msg queue.OutboundMessage) (queue.SendResult, error) {
	webhookURL := s.resolveWebhook(msg.RecipientKey)
	if webhookURL == "" {
		return queue.SendResult{}, &PermanentError{Message: "no webhook URL for recipient"}
	}

	payload := webhookPayload{
		Username: s.config.Username,
		Embeds:   []embed{s.buildEmbed(msg)},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queue.SendResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return queue.SendResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return queue.SendResult{}, &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, webhookURL)
}

func (s *Sender) resolveWebhook(recipientKey string) string {
	if len(recipientKey) > 8 && recipientKey[:8] == "https://" {
		return recipientKey
	}
	return s.config.WebhookURL
}

func (s *Sender) buildEmbed(msg queue.OutboundMessage) embed {
	description := msg.Content
	if len(description) > maxDescriptionLen {
		description = description[:maxDescriptionLen]
	}

	e := embed{
		Title:       embedTitle(msg.MessageType),
		Description: description,
		Color:       priorityColor(msg.Priority),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	if orderID, ok := msg.Metadata["order_id"].(string); ok && orderID != "" {
		e.Fields = append(e.Fields, embedField{Name: "Order", Value: orderID, Inline: true})
	}
	if msg.Media != nil && msg.Media.URL != "" {
		e.Fields = append(e.Fields, embedField{Name: "Attachment", Value: msg.Media.URL, Inline: false})
	}

	return e
}

func embedTitle(messageType string) string {
	if messageType == "" {
		return "Notification"
	}
	return messageType
}

func priorityColor(p domain.Priority) int {
	switch p {
	case domain.PriorityCritical:
		return colorCritical
	case domain.PriorityHigh:
		return colorHigh
	default:
		return colorNormal
	}
}

func (s *Sender) handleResponse(resp *http.Response, webhookURL string) (queue.SendResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return queue.SendResult{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		slog.Debug("discord message sent", "webhook", maskWebhookURL(webhookURL))
		// Webhook sends return no message id without ?wait=true; callbacks
		// correlate on the queue id instead.
		return queue.SendResult{}, nil

	case resp.StatusCode == http.StatusBadRequest:
		return queue.SendResult{}, &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("bad request: %s", string(body))}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return queue.SendResult{}, &PermanentError{Code: resp.StatusCode, Message: "invalid or expired webhook"}

	case resp.StatusCode == http.StatusNotFound:
		return queue.SendResult{}, &PermanentError{Code: resp.StatusCode, Message: "webhook not found"}

	case resp.StatusCode == http.StatusTooManyRequests:
		return queue.SendResult{}, &RetryableError{Code: resp.StatusCode, Message: "rate limited"}

	case resp.StatusCode >= 500:
		return queue.SendResult{}, &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", string(body))}

	default:
		return queue.SendResult{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// maskWebhookURL hides part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("discord error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("discord error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("discord error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("discord error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
