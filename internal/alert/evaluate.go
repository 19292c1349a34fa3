// Package alert is the pure alert evaluation engine: a
// deterministic function from a rule and a metrics snapshot to a
// trigger decision, with no store access of its own. The Metrics
// Snapshot Builder (metrics.go) is the caller's responsibility to run
// once per event and share across every enabled rule.
package alert

import (
	"github.com/kluzzebass/errormonitor/internal/model"
)

// Reason identifies why a rule triggered.
type Reason string

const (
	ReasonThresholdExceeded   Reason = "threshold_exceeded"
	ReasonSpikeDetected       Reason = "spike_detected"
	ReasonNewError            Reason = "new_error"
	ReasonCriticalSeverity    Reason = "critical_severity"
	ReasonCriticalFingerprint Reason = "critical_fingerprint"
)

// Metrics is the per-event, per-rule input the Snapshot Builder computes
// from the Aggregation Store.
type Metrics struct {
	WindowCount   int64
	BaselineCount int64
	IsNew         bool
	Event         EventAttrs
}

// Result is the engine's output for one (rule, event) pair.
type Result struct {
	Triggered       bool
	Reason          Reason
	Context         map[string]any
	CooldownMinutes int
}

// Evaluate is the pure dispatch over RuleType (a closed sum type, no
// class hierarchy). Disabled rules and out-of-scope events short-circuit
// to a non-trigger before any type-specific math runs.
func Evaluate(rule model.AlertRule, m Metrics) Result {
	if !rule.Enabled {
		return Result{Triggered: false}
	}
	if !MatchEnvironments(rule.Environments, m.Event) {
		return Result{Triggered: false}
	}
	if !MatchScope(rule.Scope, m.Event) {
		return Result{Triggered: false}
	}

	switch rule.Type {
	case model.RuleThreshold:
		return evaluateThreshold(rule, m)
	case model.RuleSpike:
		return evaluateSpike(rule, m)
	case model.RuleNewError:
		return evaluateNewError(rule, m)
	case model.RuleCritical:
		return evaluateCritical(rule, m)
	default:
		return Result{Triggered: false}
	}
}

func evaluateThreshold(rule model.AlertRule, m Metrics) Result {
	if m.WindowCount < rule.Conditions.Threshold {
		return Result{Triggered: false}
	}
	return Result{
		Triggered: true,
		Reason:    ReasonThresholdExceeded,
		Context: map[string]any{
			"windowCount":   m.WindowCount,
			"threshold":     rule.Conditions.Threshold,
			"windowMinutes": rule.Conditions.WindowMinutes,
		},
		CooldownMinutes: rule.CooldownMinutes,
	}
}

func evaluateSpike(rule model.AlertRule, m Metrics) Result {
	if m.BaselineCount <= 0 {
		// Undefined rate; a threshold rule covers the cold-start case instead.
		return Result{Triggered: false}
	}

	windowRate := rateOver(m.WindowCount, rule.Conditions.WindowMinutes)
	if windowRate <= 0 {
		// No activity in the window is never a spike.
		return Result{Triggered: false}
	}
	baselineRate := rateOver(m.BaselineCount, rule.Conditions.BaselineMinutes)
	if baselineRate <= 0 {
		return Result{Triggered: false}
	}

	increasePercent := (windowRate/baselineRate - 1) * 100
	if increasePercent < rule.Conditions.IncreasePercent {
		return Result{Triggered: false}
	}

	return Result{
		Triggered: true,
		Reason:    ReasonSpikeDetected,
		Context: map[string]any{
			"windowCount":     m.WindowCount,
			"baselineCount":   m.BaselineCount,
			"increasePercent": roundTo1Decimal(increasePercent),
		},
		CooldownMinutes: rule.CooldownMinutes,
	}
}

func rateOver(count int64, minutes int) float64 {
	if minutes <= 0 {
		return 0
	}
	return float64(count) / float64(minutes)
}

func roundTo1Decimal(f float64) float64 {
	return float64(int64(f*10+0.5)) / 10
}

func evaluateNewError(rule model.AlertRule, m Metrics) Result {
	if !m.IsNew {
		return Result{Triggered: false}
	}
	return Result{
		Triggered:       true,
		Reason:          ReasonNewError,
		Context:         map[string]any{"fingerprint": m.Event.Fingerprint},
		CooldownMinutes: rule.CooldownMinutes,
	}
}

func evaluateCritical(rule model.AlertRule, m Metrics) Result {
	wantSeverity := rule.Conditions.Severity
	if wantSeverity == "" {
		wantSeverity = "critical"
	}
	if m.Event.Severity == wantSeverity {
		return Result{
			Triggered:       true,
			Reason:          ReasonCriticalSeverity,
			Context:         map[string]any{"severity": m.Event.Severity},
			CooldownMinutes: rule.CooldownMinutes,
		}
	}
	if rule.Conditions.Fingerprint != "" && rule.Conditions.Fingerprint == m.Event.Fingerprint {
		return Result{
			Triggered:       true,
			Reason:          ReasonCriticalFingerprint,
			Context:         map[string]any{"fingerprint": m.Event.Fingerprint},
			CooldownMinutes: rule.CooldownMinutes,
		}
	}
	return Result{Triggered: false}
}
