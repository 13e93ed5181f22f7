package notifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"gopkg.in/gomail.v2"

	"casewatch/internal/core"
	"casewatch/internal/task/retry"
	logx "casewatch/pkg/logx"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// InsecureSkipVerify disables certificate checks (local relays only).
	InsecureSkipVerify bool
	// SSL selects implicit TLS (port 465). Otherwise STARTTLS is used when offered.
	SSL bool
}

// mailDialer is the part of *gomail.Dialer the sender uses.
type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailSender struct {
	from   string
	dialer mailDialer
	log    logx.Logger
}

func NewEmailSender(cfg EmailConfig, log logx.Logger) (*EmailSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email: smtp host is empty")
	}
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, errors.New("email: invalid from address")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	d := gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password)
	d.SSL = cfg.SSL
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.InsecureSkipVerify}
	return newEmailSender(cfg.From, d, log), nil
}

func newEmailSender(from string, d mailDialer, log logx.Logger) *EmailSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &EmailSender{from: from, dialer: d, log: log}
}

func (s *EmailSender) Channel() core.Channel { return core.ChannelEmail }
func (s *EmailSender) Retryable() bool       { return true }

// Send delivers one plain-text mail. gomail has no context support, so the
// dial runs in its own goroutine. When ctx ends first the mail may still go
// out, so the error is marked NoRetry to keep a second attempt from
// duplicating it; the late result is logged.
func (s *EmailSender) Send(ctx context.Context, m Message) error {
	if _, err := mail.ParseAddress(m.Recipient); err != nil {
		return retry.NoRetry(errors.New("invalid recipient address"))
	}
	msg := gomail.NewMessage(gomail.SetCharset("UTF-8"))
	msg.SetHeader("From", s.from)
	msg.SetHeader("To", m.Recipient)
	msg.SetHeader("Subject", m.Subject)
	msg.SetHeader("Content-Language", m.Locale)
	msg.SetBody("text/plain", m.Body)

	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go s.logLate(done, m.Recipient)
		return retry.NoRetry(fmt.Errorf("email send outcome unknown: %w", ctx.Err()))
	}
}

func (s *EmailSender) logLate(done <-chan error, recipient string) {
	if err := <-done; err != nil {
		s.log.Warn("abandoned email send failed", logx.String("recipient", recipient), logx.Err(err))
		return
	}
	s.log.Warn("abandoned email send completed", logx.String("recipient", recipient))
}
