package auth

import (
	"strings"
	"testing"
)

func TestHashPasswordProducesPHCString(t *testing.T) {
	hash, err := HashPassword("dashboard-login-secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("expected PHC format, got %q", hash)
	}
	if parts := strings.Split(hash, "$"); len(parts) != 6 {
		t.Fatalf("expected 6 PHC sections, got %d: %q", len(parts), hash)
	}
}

func TestHashPasswordUniqueSalts(t *testing.T) {
	h1, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, err := HashPassword("same-password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if h1 == h2 {
		t.Error("two hashes of the same password should differ (unique salts)")
	}
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correcthorse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	tests := []struct {
		name     string
		password string
		want     bool
	}{
		{"correct password", "correcthorse", true},
		{"wrong password", "batterystaple", false},
		{"empty password", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := VerifyPassword(tc.password, hash)
			if err != nil {
				t.Fatalf("VerifyPassword: %v", err)
			}
			if ok != tc.want {
				t.Errorf("VerifyPassword(%q) = %v, want %v", tc.password, ok, tc.want)
			}
		})
	}
}

func TestVerifyPasswordInvalidFormat(t *testing.T) {
	for _, encoded := range []string{"not-a-valid-hash", "$argon2id$v=19$truncated", ""} {
		if _, err := VerifyPassword("anything", encoded); err == nil {
			t.Errorf("expected error for malformed hash %q", encoded)
		}
	}
}
