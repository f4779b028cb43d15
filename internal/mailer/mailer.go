package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wneessen/go-mail"

	"github.com/PortNumber53/coach-planner/internal/config"
)

// ErrNoRecipient is returned when a message has no To address.
var ErrNoRecipient = errors.New("mailer: message has no recipient")

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTP sends mail through an SMTP relay.
type SMTP struct {
	client *mail.Client
	from   string
}

// NewSMTP builds an SMTP sender from the email configuration.
func NewSMTP(cfg config.EmailConfig) (*SMTP, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.UseTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mailer: create smtp client: %w", err)
	}
	return &SMTP{client: client, from: cfg.From}, nil
}

func buildMsg(from string, m Message) (*mail.Msg, error) {
	if m.To == "" {
		return nil, ErrNoRecipient
	}
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("mailer: invalid from address: %w", err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("mailer: invalid recipient: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(mail.TypeTextPlain, m.Body)
	return msg, nil
}

// Send delivers msg, opening a new SMTP session.
func (s *SMTP) Send(ctx context.Context, m Message) error {
	msg, err := buildMsg(s.from, m)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", m.To, err)
	}
	log.Info().Str("to", m.To).Str("subject", m.Subject).Msg("[mailer] email sent")
	return nil
}

// LogSender writes messages to the log instead of sending them. It is used
// when no SMTP host is configured.
type LogSender struct{}

// Send logs msg.
func (LogSender) Send(_ context.Context, m Message) error {
	if m.To == "" {
		return ErrNoRecipient
	}
	log.Warn().Str("to", m.To).Str("subject", m.Subject).Str("body", m.Body).Msg("[mailer] smtp not configured; email logged only")
	return nil
}
