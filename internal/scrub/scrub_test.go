package scrub

import (
	"testing"

	"github.com/kluzzebass/errormonitor/internal/model"
)

func TestFieldRedactsEmail(t *testing.T) {
	policy := Policy{RemoveEmails: true}
	out := Field("failure for alice@example.com", policy)
	if out == "failure for alice@example.com" {
		t.Fatal("email was not redacted")
	}
	if want := tokenEmail; !contains(out, want) {
		t.Fatalf("expected %q in output, got %q", want, out)
	}
}

func TestFieldIsIdempotent(t *testing.T) {
	policy := Policy{RemoveEmails: true, RemovePhones: true, RemoveIPs: true}
	inputs := []string{
		"contact alice@example.com or 415-555-0100 from 10.0.0.1",
		"no PII here at all",
		"<script>alert(1)</script> card 4111 1111 1111 1111",
		"",
	}
	for _, in := range inputs {
		once := Field(in, policy)
		twice := Field(once, policy)
		if once != twice {
			t.Fatalf("scrub not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestFieldAlwaysRedactsCardsRegardlessOfPolicy(t *testing.T) {
	out := Field("card number 4111111111111111 on file", Policy{})
	if contains(out, "4111111111111111") {
		t.Fatal("expected card number to be redacted even with an empty policy")
	}
}

func TestFieldStripsHTML(t *testing.T) {
	out := Field("<b>bold</b> text", Policy{})
	if contains(out, "<b>") || contains(out, "</b>") {
		t.Fatalf("expected HTML tags stripped, got %q", out)
	}
}

func TestMetadataRespectsMaxDepth(t *testing.T) {
	// Build metadata nested deeper than maxMetadataDepth.
	var leaf any = "alice@example.com"
	for i := 0; i < maxMetadataDepth+3; i++ {
		leaf = map[string]any{"nested": leaf}
	}
	meta := map[string]any{"root": leaf}

	out := Metadata(meta, Policy{RemoveEmails: true})
	if out == nil {
		t.Fatal("expected non-nil output")
	}
	// Walk down; eventually we should hit the truncation marker rather
	// than recursing indefinitely.
	cur := out
	found := false
	for i := 0; i < maxMetadataDepth+5; i++ {
		v, ok := cur["nested"]
		if !ok {
			v, ok = cur["root"]
		}
		if !ok {
			break
		}
		if s, ok := v.(string); ok {
			if s == tokenGeneric {
				found = true
			}
			break
		}
		cur = v.(map[string]any)
	}
	if !found {
		t.Fatal("expected depth-limited traversal to truncate with a marker")
	}
}

func TestUserContextScrubsAllStringFields(t *testing.T) {
	uc := UserContext(model.UserContext{ID: "u1", Email: "bob@example.com", IP: "192.168.1.1", Segment: "beta"}, Policy{RemoveEmails: true, RemoveIPs: true})

	if contains(uc.Email, "bob@example.com") {
		t.Fatal("expected email to be redacted")
	}
	if contains(uc.IP, "192.168.1.1") {
		t.Fatal("expected IP to be redacted")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
