// Package fingerprint computes the deterministic, language-agnostic
// identifier that groups occurrences of "the same error" together.
//
// Fingerprinting runs after scrubbing so PII can never leak into the hash,
// and uses a non-cryptographic 128-bit hash (two independent xxhash passes
// over the same normalized input) so that it is fast on the ingest hot
// path and stable across processes and restarts.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultInAppFrames is the number of leading in-app stack frames folded
// into the fingerprint.
const DefaultInAppFrames = 5

// volatileTokenRes strips numeric ids, UUIDs, hex addresses, and quoted
// strings from the normalized message so that "user 123 not found" and
// "user 456 not found" fingerprint identically.
var volatileTokenRes = []*regexp.Regexp{
	regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`), // uuid
	regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`),                                                          // hex address
	regexp.MustCompile(`"[^"]*"`),                                                                     // double-quoted strings
	regexp.MustCompile(`'[^']*'`),                                                                     // single-quoted strings
	regexp.MustCompile(`\b\d+\b`),                                                                     // bare numeric ids
}

// Frame is the subset of a stack frame that participates in fingerprinting.
type Frame struct {
	Function string
	File     string
	Line     int
	InApp    bool
}

// Input is the normalized, already-scrubbed material the fingerprint is
// derived from.
type Input struct {
	Message     string
	Frames      []Frame
	Environment string
	Severity    string // optional; include when the rule set cares about severity-distinct grouping
}

// stripVolatile removes numeric ids, UUIDs, hex addresses, and quoted
// strings from a normalized message.
func stripVolatile(msg string) string {
	for _, re := range volatileTokenRes {
		msg = re.ReplaceAllString(msg, "#")
	}
	return msg
}

// Compute derives the fingerprint for in. It is a pure function: identical
// Input values always yield identical output, across processes and
// restarts.
func Compute(in Input) string {
	var b strings.Builder

	b.WriteString(stripVolatile(strings.ToLower(strings.TrimSpace(in.Message))))
	b.WriteString("\x1f")

	n := DefaultInAppFrames
	count := 0
	for _, f := range in.Frames {
		if !f.InApp {
			continue
		}
		if count >= n {
			break
		}
		fmt.Fprintf(&b, "%s|%s|%d\x1e", f.Function, f.File, f.Line)
		count++
	}
	b.WriteString("\x1f")
	b.WriteString(in.Environment)

	if in.Severity != "" {
		b.WriteString("\x1f")
		b.WriteString(in.Severity)
	}

	data := []byte(b.String())

	// Two independent seeds over the same normalized input approximate a
	// 128-bit digest from a fast 64-bit hash, keeping collision odds low
	// without paying for a cryptographic hash on the ingest hot path.
	h1 := xxhash.Sum64(data)
	h2 := xxhash.Sum64(append(data, 0xA5))

	out := make([]byte, 16)
	for i := 0; i < 8; i++ {
		out[i] = byte(h1 >> (8 * uint(7-i)))
		out[8+i] = byte(h2 >> (8 * uint(7-i)))
	}
	return hex.EncodeToString(out)
}
