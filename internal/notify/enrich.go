package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kluzzebass/errormonitor/internal/model"
)

const (
	maxDeployments = 5
	maxSimilar     = 5

	// deploymentLookback bounds how far back a recent deployment can still
	// be considered a plausible cause for a freshly triggered alert.
	deploymentLookback = 24 * time.Hour
)

// enrich fills in WhyItMatters/NextSteps/Deployments on alert if the caller
// hasn't already populated them, and attaches recent deployment context
// . It never fails the dispatch; a deployment lookup error just
// means the alert goes out without deployment context.
func (d *Dispatcher) enrich(ctx context.Context, rule model.AlertRule, alert model.AlertSnapshot) model.AlertSnapshot {
	deployments, err := d.store.RecentDeployments(ctx, rule.ProjectID, d.now().Add(-deploymentLookback))
	if err != nil {
		d.log.Warn("recent deployments lookup failed", "project", rule.ProjectID, "error", err)
		deployments = nil
	}
	if len(deployments) > maxDeployments {
		deployments = deployments[:maxDeployments]
	}

	if alert.WhyItMatters == "" {
		alert.WhyItMatters = whyItMatters(alert.Reason, alert.Severity, alert.Environment, alert.OccurrenceCount)
	}
	if len(alert.NextSteps) == 0 {
		alert.NextSteps = nextSteps(rule.Type, len(deployments) > 0)
	}
	if len(alert.Deployments) == 0 {
		alert.Deployments = deployments
	}
	return alert
}

// whyItMatters composes the human-readable rationale attached to an
// AlertSnapshot, derived from severity, environment and occurrence volume.
func whyItMatters(reason string, severity, environment string, occurrenceCount int64) string {
	var b strings.Builder
	switch strings.ToLower(severity) {
	case "critical":
		b.WriteString("This is a critical-severity error")
	case "error":
		b.WriteString("This is an error-severity issue")
	default:
		b.WriteString("This issue")
	}
	if environment != "" {
		fmt.Fprintf(&b, " in %s", environment)
	}
	if occurrenceCount > 1 {
		fmt.Fprintf(&b, " that has occurred %d times", occurrenceCount)
	}
	b.WriteString(".")
	return b.String()
}

// nextSteps produces a short checklist tailored to the rule type and
// whatever deployment/source context is available.
func nextSteps(ruleType model.RuleType, hasRecentDeployment bool) []string {
	var steps []string
	switch ruleType {
	case model.RuleSpike:
		steps = append(steps, "Compare against the baseline window to confirm the spike is sustained")
	case model.RuleThreshold:
		steps = append(steps, "Check whether this error is trending up across recent windows")
	case model.RuleCritical:
		steps = append(steps, "Triage immediately; this matched a critical-severity rule")
	case model.RuleNewError:
		steps = append(steps, "Confirm this fingerprint wasn't previously seen under another signature")
	}
	if hasRecentDeployment {
		steps = append(steps, "Check the recent deployment below for a likely cause")
	}
	steps = append(steps, "Assign an owner and update the error's status once triaged")
	return steps
}
