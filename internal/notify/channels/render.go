package channels

import (
	"fmt"
	"strings"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// summary renders the common plain-text body shared by the chat-style
// channels (webhook/discord/teams/slack), so each adapter only needs to
// wrap it in its own envelope shape.
func summary(alert model.AlertSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(alert.Severity), alert.RuleName)
	fmt.Fprintf(&b, "%s\n", alert.Message)
	fmt.Fprintf(&b, "Environment: %s | Occurrences: %d\n", alert.Environment, alert.OccurrenceCount)
	if alert.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", alert.Reason)
	}
	if alert.WhyItMatters != "" {
		fmt.Fprintf(&b, "\n%s\n", alert.WhyItMatters)
	}
	if len(alert.NextSteps) > 0 {
		b.WriteString("\nNext steps:\n")
		for _, step := range alert.NextSteps {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	if len(alert.Deployments) > 0 {
		b.WriteString("\nRecent deployments:\n")
		for _, d := range alert.Deployments {
			fmt.Fprintf(&b, "- %s at %s\n", d.Label, d.Timestamp.Format("15:04 MST"))
		}
	}
	return b.String()
}

func subject(alert model.AlertSnapshot) string {
	return fmt.Sprintf("[%s] %s (%s)", strings.ToUpper(alert.Severity), alert.RuleName, alert.Environment)
}
