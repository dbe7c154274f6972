// Package whatsapp provides message sending through an instance-addressed
// WhatsApp chat API.
package whatsapp

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
	defaultTimeout = 30 * time.Second

	// Transport error bodies can be large HTML pages; keep logs bounded.
	maxErrorBodyLen = 512
)

// Config holds WhatsApp sender configuration. Endpoints and tokens are
// instance properties resolved at send time, not global configuration.
type Config struct {
	Timeout time.Duration
}

// Sender implements the WhatsApp chat-API sender. Every send resolves the
// currently connected instance first; there is no cached connection state.
type Sender struct {
	config     Config
	instances  queue.InstanceSource
	httpClient *http.Client
}

// NewSender creates a new WhatsApp sender.
func NewSender(config Config, instances queue.InstanceSource) *Sender {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	return &Sender{
		config:    config,
		instances: instances,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Channel returns the channel type.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelWhatsApp
}

// Send delivers one message through the connected instance. Returns
// queue.ErrNoActiveInstance when no instance is connected.
func (s *Sender) Send(ctx context.Context, msg queue.OutboundMessage) (queue.SendResult, error) {
	inst, err := s.instances.ActiveInstance(ctx, domain.ChannelWhatsApp)
	if err != nil {
		return queue.SendResult{}, err
	}

	if msg.Media != nil {
		return s.sendMedia(ctx, inst, msg)
	}
	return s.sendText(ctx, inst, msg)
}

type textPayload struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type mediaPayload struct {
	Number   string `json:"number"`
	Media    string `json:"media"`
	MimeType string `json:"mimetype"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"fileName,omitempty"`
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

func (s *Sender) sendText(ctx context.Context, inst *domain.ChannelInstance, msg queue.OutboundMessage) (queue.SendResult, error) {
	url := fmt.Sprintf("%s/message/sendText/%s", inst.BaseURL, inst.Name)
	payload := textPayload{
		Number: msg.RecipientKey,
		Text:   msg.Content,
	}
	return s.post(ctx, inst, url, payload)
}

// sendMedia delivers an attachment. Media arrives either as a base64 payload
// or a URL; the chat API accepts both in the same field.
func (s *Sender) sendMedia(ctx context.Context, inst *domain.ChannelInstance, msg queue.OutboundMessage) (queue.SendResult, error) {
	media := msg.Media.Data
	if media == "" {
		media = msg.Media.URL
	}
	if media == "" {
		return queue.SendResult{}, &PermanentError{Message: "media attachment has neither data nor url"}
	}

	caption := msg.Media.Caption
	if caption == "" {
		caption = msg.Content
	}

	url := fmt.Sprintf("%s/message/sendMedia/%s", inst.BaseURL, inst.Name)
	payload := mediaPayload{
		Number:   msg.RecipientKey,
		Media:    media,
		MimeType: msg.Media.MimeType,
		Caption:  caption,
		Filename: msg.Media.Filename,
	}
	return s.post(ctx, inst, url, payload)
}

func (s *Sender) post(ctx context.Context, inst *domain.ChannelInstance, url string, payload any) (queue.SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return queue.SendResult{}, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return queue.SendResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", inst.Token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return queue.SendResult{}, &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, inst.Name)
}

func (s *Sender) handleResponse(resp *http.Response, instanceName string) (queue.SendResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return queue.SendResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var parsed sendResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			// The send was accepted; only the correlation id is lost.
			slog.Warn("unparseable chat api response", "instance", instanceName, "error", err)
			return queue.SendResult{}, nil
		}
		return queue.SendResult{TransportMessageID: parsed.Key.ID}, nil
	}

	detail := truncateBody(body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return queue.SendResult{}, &PermanentError{Code: resp.StatusCode, Message: "invalid api key"}

	case resp.StatusCode == http.StatusBadRequest:
		return queue.SendResult{}, &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("bad request: %s", detail)}

	case resp.StatusCode == http.StatusNotFound:
		// The instance disappeared between resolution and send.
		return queue.SendResult{}, &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("instance %s not found", instanceName)}

	case resp.StatusCode == http.StatusTooManyRequests:
		return queue.SendResult{}, &RetryableError{Code: resp.StatusCode, Message: "rate limited"}

	case resp.StatusCode >= 500:
		return queue.SendResult{}, &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", detail)}

	default:
		return queue.SendResult{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, detail)
	}
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBodyLen {
		return string(body[:maxErrorBodyLen]) + "..."
	}
	return string(body)
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("whatsapp error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("whatsapp error: %s", e.Message)
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
		return fmt.Sprintf("whatsapp error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("whatsapp error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
