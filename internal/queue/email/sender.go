// Package email provides message sending via SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/carrierdesk/notify/internal/queue"
)

// Config holds SMTP sender configuration.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	SubjectLine  string
}

// Sender implements the email sender via SMTP with STARTTLS.
type Sender struct {
	config Config
	auth   smtp.Auth
}

// NewSender creates a new email sender.
func NewSender(config Config) (*Sender, error) {
	if config.SMTPHost == "" {
		return nil, errors.New("email sender: SMTP host is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("email sender: from address is required")
	}
	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.SubjectLine == "" {
		config.SubjectLine = "Notification"
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	return &Sender{config: config, auth: auth}, nil
}

// Channel returns the channel type.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelEmail
}

// Send delivers one message to the recipient address. SMTP assigns no
// message id, so the result carries none and delivery callbacks for email
// correlate on the queue id.
func (s *Sender) Send(ctx context.Context, msg queue.OutboundMessage) (queue.SendResult, error) {
	recipient := msg.RecipientKey
	if !strings.Contains(recipient, "@") {
		return queue.SendResult{}, queue.NewPermanentError(fmt.Errorf("not an email address: %q", recipient))
	}

	subject := s.subjectFor(msg)
	if err := s.sendEmail(ctx, subject, msg.Content, recipient); err != nil {
		return queue.SendResult{}, classify(err)
	}
	return queue.SendResult{}, nil
}

func (s *Sender) subjectFor(msg queue.OutboundMessage) string {
	if subject, ok := msg.Metadata["subject"].(string); ok && subject != "" {
		return subject
	}
	return s.config.SubjectLine
}

func (s *Sender) sendEmail(ctx context.Context, subject, body, recipient string) error {
	msg := s.buildMessage(subject, body, recipient)
	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)

	tlsConfig := &tls.Config{
		ServerName: s.config.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	return s.sendWithSTARTTLS(ctx, addr, tlsConfig, recipient, msg)
}

// buildMessage constructs the email message with headers.
func (s *Sender) buildMessage(subject, body, recipient string) []byte {
	var msg strings.Builder

	// Headers in deterministic order
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.FromAddress))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", recipient))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	return []byte(msg.String())
}

// sendWithSTARTTLS sends an email using STARTTLS (port 587).
func (s *Sender) sendWithSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config, recipient string, msg []byte) error {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	from := extractEmail(s.config.FromAddress)
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// classify splits SMTP failures into retryable and permanent. Network
// problems and 4xx temporary codes keep their retry budget; 5xx rejections
// are permanent.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return queue.NewRetryableError(err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return queue.NewRetryableError(err)
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return queue.NewRetryableError(err)
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(errStr, "552") {
		return queue.NewRetryableError(err)
	}

	// 5xx rejections
	if strings.Contains(errStr, "550") ||
		strings.Contains(errStr, "551") ||
		strings.Contains(errStr, "553") ||
		strings.Contains(errStr, "554") {
		return queue.NewPermanentError(err)
	}

	return err
}
