package security

import (
	"strings"
	"testing"
)

func TestRedactor_RemovesRegisteredSecrets(t *testing.T) {
	r := NewRedactor("hunter2hunter2", "")
	got := r.Redact("signature mismatch for secret hunter2hunter2")

	if strings.Contains(got, "hunter2") {
		t.Errorf("secret leaked: %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("expected redaction marker in %q", got)
	}
}

func TestRedactor_LongestFirst(t *testing.T) {
	r := NewRedactor("abc", "abcdef123")
	got := r.Redact("value=abcdef123")
	if strings.Contains(got, "def123") {
		t.Errorf("partial secret leaked: %q", got)
	}
}

func TestRedactor_NilSafe(t *testing.T) {
	var r *Redactor
	if got := r.Redact("plain"); got != "plain" {
		t.Errorf("Redact() = %q", got)
	}
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		leaking string
	}{
		{"openai key", "auth failed for sk-abcdefghijklmnopqrstuvwxyz0123456789", "sk-abcdef"},
		{"bearer", "header Bearer abcdefghijklmnopqrstuvwxyz", "abcdefghijkl"},
		{"signature", "got sha256=0123456789abcdef0123456789abcdef", "0123456789abcdef"},
		{"stack", "panic at /src/trigger/webhook.go:42", "webhook.go:42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeMessage(tt.in); strings.Contains(got, tt.leaking) {
				t.Errorf("SanitizeMessage(%q) = %q still contains %q", tt.in, got, tt.leaking)
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	if MaskSecret("") != "" {
		t.Error("empty secret should mask to empty")
	}
	if got := MaskSecret("0123456789abcdef"); strings.ContainsAny(got, "0123456789abcdef") {
		t.Errorf("MaskSecret leaked characters: %q", got)
	}
}
