package channels

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kluzzebass/errormonitor/internal/model"
)

func sampleAlert() model.AlertSnapshot {
	return model.AlertSnapshot{
		RuleID:          uuid.New(),
		RuleName:        "error rate spike",
		Fingerprint:     "abc123",
		Reason:          "threshold_exceeded",
		Message:         "TypeError: cannot read property 'x' of undefined",
		Environment:     "production",
		Severity:        "critical",
		OccurrenceCount: 42,
		WhyItMatters:    "affects checkout flow",
		NextSteps:       []string{"check recent deploys", "page on-call"},
		DetectedAt:      time.Now(),
	}
}

func TestWebhookSendRejectsEmptyTarget(t *testing.T) {
	w := NewWebhook(model.ChannelWebhook)
	_, err := w.Send(context.Background(), sampleAlert(), "", nil)
	if err == nil {
		t.Fatal("expected an error for an empty webhook target")
	}
}

func TestWebhookPreviewIncludesKeyFields(t *testing.T) {
	w := NewWebhook(model.ChannelDiscord)
	p := w.Preview(sampleAlert(), "", nil)
	if !strings.Contains(p.Text, "error rate spike") {
		t.Fatalf("expected preview text to mention the rule name, got %q", p.Text)
	}
	if !strings.Contains(p.Text, "affects checkout flow") {
		t.Fatalf("expected preview text to include whyItMatters, got %q", p.Text)
	}
}

func TestEmailSendRejectsUnconfiguredHost(t *testing.T) {
	e := NewEmail(SMTPConfig{})
	_, err := e.Send(context.Background(), sampleAlert(), "dev@example.com", nil)
	if err == nil {
		t.Fatal("expected an error when smtp host is unconfigured")
	}
}

func TestEmailPreviewBuildsSubjectAndBody(t *testing.T) {
	e := NewEmail(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com"})
	p := e.Preview(sampleAlert(), "dev@example.com", nil)
	if !strings.Contains(p.Subject, "CRITICAL") {
		t.Fatalf("expected subject to include severity, got %q", p.Subject)
	}
	if !strings.Contains(p.Body, "check recent deploys") {
		t.Fatalf("expected body to include next steps, got %q", p.Body)
	}
}

func TestSlackSendRejectsEmptyTarget(t *testing.T) {
	s := NewSlack()
	_, err := s.Send(context.Background(), sampleAlert(), "", nil)
	if err == nil {
		t.Fatal("expected an error for an empty slack webhook url")
	}
}

func TestSlackTypeMatchesModel(t *testing.T) {
	if NewSlack().Type() != model.ChannelSlack {
		t.Fatal("expected slack adapter's Type() to report ChannelSlack")
	}
	if NewWebhook(model.ChannelTeams).Type() != model.ChannelTeams {
		t.Fatal("expected webhook adapter constructed with ChannelTeams to report it back")
	}
}
