// Package channels implements the notification transports a dispatched
// alert can be sent over: email, slack, webhook, discord, and teams
// . Each adapter satisfies the same small preview/send capability
// set rather than participating in a class hierarchy.
package channels

import (
	"context"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// Preview is the renderable, channel-specific form of an alert, computed
// without sending anything. Used directly by the rule-test endpoint.
type Preview struct {
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text,omitempty"`
	Body    string `json:"body,omitempty"`
	Message string `json:"message,omitempty"`
}

// SendOutcome records whether a delivery attempt succeeded, for the
// Dispatcher's retry decisions.
type SendOutcome struct {
	Accepted        bool
	TransportDetail string
	Retryable       bool // true for 5xx/network errors; false for 4xx/config errors
}

// Channel is the capability every channel type exposes.
type Channel interface {
	Type() model.ChannelType
	Preview(alert model.AlertSnapshot, target string, options map[string]string) Preview
	Send(ctx context.Context, alert model.AlertSnapshot, target string, options map[string]string) (SendOutcome, error)
}
