package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/carrierdesk/notify/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderMessage() queue.OutboundMessage {
	return queue.OutboundMessage{
		ID:           "m1",
		RecipientKey: "ops-room",
		MessageType:  "order_shipped",
		Content:      "order ord-42 left the warehouse",
		Priority:     domain.PriorityHigh,
		Metadata:     domain.Metadata{"order_id": "ord-42"},
	}
}

func capturePayload(t *testing.T, status int) (*httptest.Server, *webhookPayload) {
	t.Helper()

	payload := &webhookPayload{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(payload))
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, payload
}

func TestSendBuildsEmbed(t *testing.T) {
	server, payload := capturePayload(t, http.StatusNoContent)

	s := NewSender(Config{WebhookURL: server.URL})
	result, err := s.Send(context.Background(), orderMessage())
	require.NoError(t, err)

	// Webhook sends carry no transport id.
	assert.Empty(t, result.TransportMessageID)

	assert.Equal(t, "CarrierDesk", payload.Username)
	require.Len(t, payload.Embeds, 1)
	e := payload.Embeds[0]
	assert.Equal(t, "order_shipped", e.Title)
	assert.Equal(t, "order ord-42 left the warehouse", e.Description)
	assert.Equal(t, colorHigh, e.Color)
	require.Len(t, e.Fields, 1)
	assert.Equal(t, "Order", e.Fields[0].Name)
	assert.Equal(t, "ord-42", e.Fields[0].Value)
	assert.NotEmpty(t, e.Timestamp)
}

func TestSendPlainHTTPKeyIsNotAWebhook(t *testing.T) {
	s := NewSender(Config{})
	msg := orderMessage()
	msg.RecipientKey = "http://insecure.example.com/hook"

	// Only https keys are treated as webhook URLs; with no fallback the send
	// is rejected outright.
	_, err := s.Send(context.Background(), msg)
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
}

func TestResolveWebhook(t *testing.T) {
	s := NewSender(Config{WebhookURL: "https://discord.example.com/fallback"})

	assert.Equal(t, "https://discord.example.com/abc", s.resolveWebhook("https://discord.example.com/abc"))
	assert.Equal(t, "https://discord.example.com/fallback", s.resolveWebhook("ops-room"))
	assert.Equal(t, "https://discord.example.com/fallback", s.resolveWebhook(""))
}

func TestSendNoWebhookConfigured(t *testing.T) {
	s := NewSender(Config{})

	_, err := s.Send(context.Background(), orderMessage())
	var perm *PermanentError
	require.ErrorAs(t, err, &perm)
	assert.False(t, perm.IsRetryable())
}

func TestSendTruncatesLongDescription(t *testing.T) {
	server, payload := capturePayload(t, http.StatusNoContent)

	msg := orderMessage()
	msg.Content = strings.Repeat("a", maxDescriptionLen+500)

	s := NewSender(Config{WebhookURL: server.URL})
	_, err := s.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Len(t, payload.Embeds[0].Description, maxDescriptionLen)
}

func TestSendMediaURLField(t *testing.T) {
	server, payload := capturePayload(t, http.StatusNoContent)

	msg := orderMessage()
	msg.Media = &domain.Media{URL: "https://cdn.example.com/label.pdf", MimeType: "application/pdf"}

	s := NewSender(Config{WebhookURL: server.URL})
	_, err := s.Send(context.Background(), msg)
	require.NoError(t, err)

	fields := payload.Embeds[0].Fields
	require.Len(t, fields, 2)
	assert.Equal(t, "Attachment", fields[1].Name)
	assert.Equal(t, "https://cdn.example.com/label.pdf", fields[1].Value)
}

func TestPriorityColor(t *testing.T) {
	assert.Equal(t, colorCritical, priorityColor(domain.PriorityCritical))
	assert.Equal(t, colorHigh, priorityColor(domain.PriorityHigh))
	assert.Equal(t, colorNormal, priorityColor(domain.PriorityNormal))
	assert.Equal(t, colorNormal, priorityColor(0))
}

func TestSendErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"webhook deleted", http.StatusNotFound, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			s := NewSender(Config{WebhookURL: server.URL})
			_, err := s.Send(context.Background(), orderMessage())
			require.Error(t, err)

			if tt.retryable {
				var retryable *RetryableError
				assert.ErrorAs(t, err, &retryable)
			} else {
				var perm *PermanentError
				assert.ErrorAs(t, err, &perm)
			}
		})
	}
}

func TestMaskWebhookURL(t *testing.T) {
	long := "https://discord.com/api/webhooks/123456789/secret-token-value"
	masked := maskWebhookURL(long)
	assert.NotContains(t, masked, "secret-token")
	assert.Contains(t, masked, "...")

	assert.Equal(t, "https://short.example", maskWebhookURL("https://short.example"))
}
