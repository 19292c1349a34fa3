package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// attemptTimeout bounds a single delivery attempt (per-attempt timeout
// default 10s).
const attemptTimeout = 10 * time.Second

// webhookEnvelope is the payload shape for plain webhook/discord/teams
// targets: a text summary plus the structured fields, which each of
// those three receivers is happy to accept as generic JSON.
type webhookEnvelope struct {
	Text    string         `json:"text"`
	Content string         `json:"content,omitempty"` // discord's field name for the same text
	RuleID  string         `json:"ruleId"`
	Context map[string]any `json:"context,omitempty"`
}

// Webhook posts a JSON envelope to an arbitrary target URL. Discord and
// Teams both accept the same shape closely enough (discord reads
// "content", teams and generic webhooks read "text") that one adapter
// covers all three channel types, selected by kind at construction.
type Webhook struct {
	kind   model.ChannelType
	client *http.Client
}

// NewWebhook builds an adapter for kind, one of ChannelWebhook,
// ChannelDiscord, or ChannelTeams.
func NewWebhook(kind model.ChannelType) *Webhook {
	return &Webhook{kind: kind, client: &http.Client{Timeout: attemptTimeout}}
}

func (w *Webhook) Type() model.ChannelType { return w.kind }

func (w *Webhook) Preview(alert model.AlertSnapshot, target string, options map[string]string) Preview {
	return Preview{Text: summary(alert)}
}

func (w *Webhook) Send(ctx context.Context, alert model.AlertSnapshot, target string, options map[string]string) (SendOutcome, error) {
	if target == "" {
		return SendOutcome{Accepted: false, Retryable: false}, fmt.Errorf("%s: no target URL configured", w.kind)
	}

	text := summary(alert)
	payload := webhookEnvelope{Text: text, Content: text, RuleID: alert.RuleID.String(), Context: map[string]any{
		"fingerprint": alert.Fingerprint,
		"severity":    alert.Severity,
		"environment": alert.Environment,
	}}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendOutcome{}, fmt.Errorf("marshal %s payload: %w", w.kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return SendOutcome{}, fmt.Errorf("build %s request: %w", w.kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return SendOutcome{Accepted: false, Retryable: true}, fmt.Errorf("send %s notification: %w", w.kind, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return SendOutcome{Accepted: false, Retryable: true, TransportDetail: resp.Status},
			fmt.Errorf("%s endpoint returned %s", w.kind, resp.Status)
	}
	if resp.StatusCode >= 400 {
		return SendOutcome{Accepted: false, Retryable: false, TransportDetail: resp.Status},
			fmt.Errorf("%s endpoint rejected payload: %s", w.kind, resp.Status)
	}

	return SendOutcome{Accepted: true, TransportDetail: resp.Status}, nil
}
