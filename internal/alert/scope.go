package alert

import (
	"fmt"
	"strings"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// EventAttrs is the subset of an ingested event's fields a scope filter or
// an environments list can compare against.
type EventAttrs struct {
	Environment string
	Severity    string
	UserSegment string
	File        string
	Fingerprint string
}

func (a EventAttrs) field(name string) (string, bool) {
	switch name {
	case "environment":
		return a.Environment, true
	case "severity":
		return a.Severity, true
	case "userSegment":
		return a.UserSegment, true
	case "file":
		return a.File, true
	case "fingerprint":
		return a.Fingerprint, true
	default:
		return "", false
	}
}

// MatchEnvironments reports whether a rule's environment allowlist admits
// attrs; an empty list matches every environment.
func MatchEnvironments(environments []string, attrs EventAttrs) bool {
	if len(environments) == 0 {
		return true
	}
	for _, e := range environments {
		if e == attrs.Environment {
			return true
		}
	}
	return false
}

// MatchScope evaluates the nested boolean filter tree against attrs. A nil
// filter matches everything.
func MatchScope(f *model.ScopeFilter, attrs EventAttrs) bool {
	if f == nil {
		return true
	}
	if f.IsLeaf() {
		return matchLeaf(f, attrs)
	}

	switch f.Op {
	case model.ScopeAnd:
		for _, c := range f.Conditions {
			if !MatchScope(c, attrs) {
				return false
			}
		}
		return true
	case model.ScopeOr:
		for _, c := range f.Conditions {
			if MatchScope(c, attrs) {
				return true
			}
		}
		return len(f.Conditions) == 0
	default:
		return false
	}
}

func matchLeaf(f *model.ScopeFilter, attrs EventAttrs) bool {
	actual, ok := attrs.field(f.Field)
	if !ok {
		return false
	}

	switch f.Operator {
	case model.OpEquals:
		return actual == toString(f.Value)
	case model.OpContains:
		return strings.Contains(actual, toString(f.Value))
	case model.OpStartsWith:
		return strings.HasPrefix(actual, toString(f.Value))
	case model.OpIn:
		for _, v := range toStringSlice(f.Value) {
			if actual == v {
				return true
			}
		}
		return false
	case model.OpNot:
		return actual != toString(f.Value)
	default:
		return false
	}
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, toString(r))
	}
	return out
}
