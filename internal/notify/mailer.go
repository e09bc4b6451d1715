package notify

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticket-service/internal/util"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// Attachment is a file sent along with a message
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one outbound email
type Message struct {
	To          string
	Subject     string
	Body        string
	Attachments []Attachment
}

// Mailer sends messages
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds the outbound mail server settings
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	// Timeout bounds dialing and each SMTP command
	Timeout time.Duration
}

// SMTPMailer sends mail through an SMTP relay
type SMTPMailer struct {
	from string
	send func(ctx context.Context, msg *mail.Msg) error
}

// NewSMTPMailer creates a new SMTP mailer. STARTTLS is used when the relay
// offers it; credentials enable SMTP PLAIN auth.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP port %q: %w", cfg.Port, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	return &SMTPMailer{
		from: cfg.From,
		send: func(ctx context.Context, msg *mail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
	}, nil
}

// Send builds a multipart message and hands it to the relay. ctx bounds the
// whole SMTP session.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	built, err := buildMessage(m.from, msg)
	if err != nil {
		return err
	}
	if err := m.send(ctx, built); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", msg.To, err)
	}
	return nil
}

func buildMessage(from string, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", from, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	for _, a := range msg.Attachments {
		err := m.AttachReader(a.Filename, bytes.NewReader(a.Data),
			mail.WithFileContentType(mail.ContentType(a.ContentType)))
		if err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", a.Filename, err)
		}
	}
	return m, nil
}

// LogMailer only logs messages. Used when no SMTP relay is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a new log mailer
func NewLogMailer() *LogMailer {
	return &LogMailer{logger: util.GetLogger()}
}

// Send logs the message envelope
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	names := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		names = append(names, a.Filename)
	}
	m.logger.Info("Mail not sent, no relay configured",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("attachments", strings.Join(names, ",")))
	return nil
}
