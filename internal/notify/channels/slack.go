package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// Slack posts an attachment-formatted message to an incoming webhook URL.
type Slack struct{}

// NewSlack builds the Slack channel adapter.
func NewSlack() *Slack { return &Slack{} }

func (s *Slack) Type() model.ChannelType { return model.ChannelSlack }

func (s *Slack) Preview(alert model.AlertSnapshot, target string, options map[string]string) Preview {
	return Preview{Message: summary(alert)}
}

func (s *Slack) buildMessage(alert model.AlertSnapshot, options map[string]string) *slack.WebhookMessage {
	color := "good"
	switch strings.ToLower(alert.Severity) {
	case "critical", "error":
		color = "danger"
	case "warning":
		color = "warning"
	}

	fields := []slack.AttachmentField{
		{Title: "Environment", Value: alert.Environment, Short: true},
		{Title: "Occurrences", Value: fmt.Sprintf("%d", alert.OccurrenceCount), Short: true},
		{Title: "Reason", Value: string(alert.Reason), Short: true},
	}
	if alert.WhyItMatters != "" {
		fields = append(fields, slack.AttachmentField{Title: "Why it matters", Value: alert.WhyItMatters})
	}
	if len(alert.NextSteps) > 0 {
		fields = append(fields, slack.AttachmentField{Title: "Next steps", Value: strings.Join(alert.NextSteps, "\n")})
	}

	msg := &slack.WebhookMessage{
		Text: subject(alert),
		Attachments: []slack.Attachment{
			{
				Color:     color,
				Title:     alert.RuleName,
				Text:      alert.Message,
				Fields:    fields,
				Footer:    "error monitor",
				Ts:        json.Number(fmt.Sprintf("%d", alert.DetectedAt.Unix())),
			},
		},
	}
	if channel := options["channel"]; channel != "" {
		msg.Channel = channel
	}
	if username := options["username"]; username != "" {
		msg.Username = username
	}
	return msg
}

func (s *Slack) Send(ctx context.Context, alert model.AlertSnapshot, target string, options map[string]string) (SendOutcome, error) {
	if target == "" {
		return SendOutcome{Accepted: false, Retryable: false}, fmt.Errorf("slack: no webhook URL configured")
	}

	msg := s.buildMessage(alert, options)
	if err := slack.PostWebhookContext(ctx, target, msg); err != nil {
		// slack-go doesn't expose the response status directly; treat every
		// failure as retryable and let the dispatcher's backoff decide
		// whether the bounded attempt budget was exhausted.
		return SendOutcome{Accepted: false, Retryable: true}, fmt.Errorf("post slack webhook: %w", err)
	}
	return SendOutcome{Accepted: true}, nil
}
