// Package scrub redacts PII and secrets from ingested payloads before they
// are persisted or fingerprinted. Scrubbing is idempotent:
// Scrub(Scrub(x)) == Scrub(x) for any input, since replacement tokens never
// match the patterns that produced them.
package scrub

import (
	"regexp"
	"strings"

	"github.com/kluzzebass/errormonitor/internal/model"
)

// Policy is an alias of model.ScrubPolicy, the per-project toggles for the
// policy-gated passes.
type Policy = model.ScrubPolicy

const (
	tokenEmail   = "[REDACTED:EMAIL]"
	tokenPhone   = "[REDACTED:PHONE]"
	tokenIP      = "[REDACTED:IP]"
	tokenCard    = "[REDACTED:CARD]"
	tokenGeneric = "[REDACTED]"

	// maxFieldLen is the per-field input cap before scrubbing; longer input
	// is truncated with a marker rather than run through the regex passes
	// at full length.
	maxFieldLen = 10 * 1024

	// maxMetadataDepth bounds the metadata tree walk.
	maxMetadataDepth = 8
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\b(?:\+?\d{1,3}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
	ipv4Re  = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|[01]?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|[01]?\d?\d)\b`)
	ipv6Re  = regexp.MustCompile(`\b(?:[0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`)

	// Always-on pass, regardless of policy flags.
	cardRe   = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	bearerRe = regexp.MustCompile(`(?i)\b(?:bearer|api[_-]?key|token)\s*[:=]?\s*[A-Za-z0-9._\-]{12,}`)
	htmlRe   = regexp.MustCompile(`<[^>]*>`)
)

// Field truncates oversized input and applies the always-on pass plus the
// policy-gated passes, in order: emails, phones, IPs, cards/tokens, HTML.
func Field(s string, policy Policy) string {
	if s == "" {
		return s
	}
	if len(s) > maxFieldLen {
		s = s[:maxFieldLen] + "...[TRUNCATED]"
	}

	if policy.RemoveEmails {
		s = emailRe.ReplaceAllString(s, tokenEmail)
	}
	if policy.RemovePhones {
		s = phoneRe.ReplaceAllString(s, tokenPhone)
	}
	if policy.RemoveIPs {
		s = ipv4Re.ReplaceAllString(s, tokenIP)
		s = ipv6Re.ReplaceAllString(s, tokenIP)
	}

	s = cardRe.ReplaceAllString(s, tokenCard)
	s = bearerRe.ReplaceAllString(s, tokenGeneric)
	s = htmlRe.ReplaceAllString(s, "")

	return s
}

// Metadata walks an arbitrary string/number/bool tree iteratively (no
// recursion, so a pathological deeply-nested input can't blow the stack)
// and returns a scrubbed copy: every string value of a nested map goes
// through Field, a map nested deeper than maxMetadataDepth is replaced by
// the [REDACTED] marker, and values of any other type (arrays included)
// are copied unchanged.
func Metadata(meta map[string]any, policy Policy) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	type frame struct {
		dst   map[string]any
		src   map[string]any
		depth int
	}
	stack := []frame{{dst: out, src: meta, depth: 1}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for k, v := range f.src {
			switch val := v.(type) {
			case string:
				f.dst[k] = Field(val, policy)
			case map[string]any:
				if f.depth >= maxMetadataDepth {
					f.dst[k] = tokenGeneric
					continue
				}
				child := make(map[string]any, len(val))
				f.dst[k] = child
				stack = append(stack, frame{dst: child, src: val, depth: f.depth + 1})
			default:
				f.dst[k] = v
			}
		}
	}
	return out
}

// Frame holds the string fields of a stack frame that need scrubbing.
type Frame struct {
	Function string
	File     string
	Line     int
	InApp    bool
}

// Frames scrubs the string fields of every frame, preserving order and length.
func Frames(frames []Frame, policy Policy) []Frame {
	out := make([]Frame, len(frames))
	for i, f := range frames {
		out[i] = Frame{
			Function: Field(f.Function, policy),
			File:     Field(f.File, policy),
			Line:     f.Line,
			InApp:    f.InApp,
		}
	}
	return out
}

// UserContext scrubs every string field of a user context snapshot.
func UserContext(uc model.UserContext, policy Policy) model.UserContext {
	return model.UserContext{
		ID:      Field(uc.ID, policy),
		Email:   Field(uc.Email, policy),
		IP:      Field(uc.IP, policy),
		Segment: Field(uc.Segment, policy),
	}
}

// NormalizeMessage trims and collapses whitespace ahead of fingerprinting
// and scrubbing; this keeps "Error:   foo\n\nbar" and "Error: foo bar"
// converging to the same scrubbed representation.
func NormalizeMessage(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
