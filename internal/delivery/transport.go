package delivery

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"
)

// Attachment is a file sent with a message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outbound email
type Message struct {
	From        string
	To          []string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

// MailTransport sends a message and returns its Message-ID
type MailTransport interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// SMTPConfig holds SMTP server settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPTransport sends mail through an SMTP relay
type SMTPTransport struct {
	dialer *gomail.Dialer
	domain string
	send   func(...*gomail.Message) error
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	dialer := gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password)
	return &SMTPTransport{
		dialer: dialer,
		domain: messageIDDomain(cfg.From, cfg.Host),
		send:   dialer.DialAndSend,
	}
}

// messageIDDomain prefers the sender's domain for Message-ID
func messageIDDomain(from, host string) string {
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		return strings.Trim(from[at+1:], "> ")
	}
	if host != "" {
		return host
	}
	return "localhost"
}

func (t *SMTPTransport) buildMessage(msg Message) (*gomail.Message, string) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), t.domain)

	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To...)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", msg.HTMLBody)

	for _, a := range msg.Attachments {
		data := a.Data
		m.Attach(a.Filename,
			gomail.SetHeader(map[string][]string{"Content-Type": {a.ContentType}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		)
	}
	return m, messageID
}

// Send dials the relay and sends one message to all recipients.
// gomail has no context support, so ctx is only checked before dialling.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m, messageID := t.buildMessage(msg)
	if err := t.send(m); err != nil {
		return "", fmt.Errorf("smtp send failed: %w", err)
	}
	return messageID, nil
}

// LogTransport writes messages to the log instead of sending them
type LogTransport struct{}

func (LogTransport) Send(ctx context.Context, msg Message) (string, error) {
	messageID := fmt.Sprintf("<%s@localhost>", uuid.NewString())

	attachments := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, fmt.Sprintf("%s (%d bytes)", a.Filename, len(a.Data)))
	}

	log.Info().
		Str("message_id", messageID).
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Int("html_bytes", len(msg.HTMLBody)).
		Strs("attachments", attachments).
		Msg("Report email (log transport, not sent)")

	return messageID, nil
}
