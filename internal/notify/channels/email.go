package channels

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// SMTPConfig is the connection used for every outgoing Email send, shared
// across projects: SMTP_URL is a single process-wide environment
// variable, not a per-project setting.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Email sends via SMTP, one message per recipient target.
type Email struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

// NewEmail builds the email channel adapter from cfg.
func NewEmail(cfg SMTPConfig) *Email {
	return &Email{cfg: cfg, dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)}
}

func (e *Email) Type() model.ChannelType { return model.ChannelEmail }

func (e *Email) Preview(alert model.AlertSnapshot, target string, options map[string]string) Preview {
	return Preview{Subject: subject(alert), Body: emailBody(alert)}
}

func emailBody(alert model.AlertSnapshot) string {
	var b strings.Builder
	b.WriteString(summary(alert))
	b.WriteString("\n--\nThis is an automated alert from your error monitor.\n")
	return b.String()
}

func (e *Email) Send(ctx context.Context, alert model.AlertSnapshot, target string, options map[string]string) (SendOutcome, error) {
	if e.cfg.Host == "" {
		return SendOutcome{Accepted: false, Retryable: false}, fmt.Errorf("email: smtp host not configured")
	}
	if target == "" {
		return SendOutcome{Accepted: false, Retryable: false}, fmt.Errorf("email: no recipient configured")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", target)
	m.SetHeader("Subject", subject(alert))
	m.SetBody("text/plain", emailBody(alert))

	if err := e.dialer.DialAndSend(m); err != nil {
		// gomail surfaces both connection failures (retryable) and
		// rejections from the remote MTA (often permanent) as a plain
		// error; without a structured SMTP code we treat all of them as
		// retryable and rely on the dispatcher's bounded attempt budget.
		return SendOutcome{Accepted: false, Retryable: true}, fmt.Errorf("send email via smtp: %w", err)
	}
	return SendOutcome{Accepted: true}, nil
}

// SendReport emails a generated report artifact (subject/body already
// rendered by the caller) to one or more recipients in a single message.
func (e *Email) SendReport(to []string, subject, body string) error {
	if e.cfg.Host == "" {
		return fmt.Errorf("email: smtp host not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := e.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send report email via smtp: %w", err)
	}
	return nil
}

// SendDigest composes and sends a single email covering multiple queued
// alerts for one member, grouped by rule.
func (e *Email) SendDigest(ctx context.Context, target string, entriesByRule map[string][]model.AlertSnapshot) (SendOutcome, error) {
	if e.cfg.Host == "" {
		return SendOutcome{Accepted: false, Retryable: false}, fmt.Errorf("email: smtp host not configured")
	}
	if target == "" {
		return SendOutcome{Accepted: false, Retryable: false}, fmt.Errorf("email: no recipient configured")
	}

	var b strings.Builder
	count := 0
	for ruleName, alerts := range entriesByRule {
		fmt.Fprintf(&b, "## %s (%d alert(s))\n\n", ruleName, len(alerts))
		for _, a := range alerts {
			b.WriteString(summary(a))
			b.WriteString("\n")
			count++
		}
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", target)
	m.SetHeader("Subject", fmt.Sprintf("Digest: %d alert(s) pending", count))
	m.SetBody("text/plain", b.String())

	if err := e.dialer.DialAndSend(m); err != nil {
		return SendOutcome{Accepted: false, Retryable: true}, fmt.Errorf("send digest email via smtp: %w", err)
	}
	return SendOutcome{Accepted: true}, nil
}
