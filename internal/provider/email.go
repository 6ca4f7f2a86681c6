package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	logx "dispatchd/pkg/logx"
)

// SMTPConfig configures the email-channel adapter.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Email sends plain-text mail over SMTP.
type Email struct {
	client *mail.Client
	from   string
	log    logx.Logger
}

func NewEmail(cfg SMTPConfig, log logx.Logger) (*Email, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is required")
	}

	opts := []mail.Option{mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp init: %w", err)
	}
	return &Email{
		client: client,
		from:   cfg.From,
		log:    log.With(logx.String("comp", "smtp")),
	}, nil
}

func (e *Email) Send(ctx context.Context, msg Message) (string, error) {
	addr := strings.TrimSpace(msg.Recipient.Email)
	if addr == "" {
		return "", Reject("recipient has no email address")
	}

	m := mail.NewMsg()
	if err := m.From(e.from); err != nil {
		return "", fmt.Errorf("smtp from %q: %w", e.from, err)
	}
	if err := m.To(addr); err != nil {
		return "", Reject("invalid email address %q: %v", addr, err)
	}
	ref := uuid.NewString()
	m.SetMessageIDWithValue(ref)
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	if err := e.client.DialAndSendWithContext(ctx, m); err != nil {
		var sendErr *mail.SendError
		if errors.As(err, &sendErr) {
			return "", Reject("smtp: %v", sendErr)
		}
		return "", Transient("smtp: %v", err)
	}
	return ref, nil
}

var _ Adapter = (*Email)(nil)
