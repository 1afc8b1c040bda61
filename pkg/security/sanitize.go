package security

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

const redacted = "[REDACTED]"

var (
	goroutinePattern = regexp.MustCompile(`goroutine \d+ \[[^\]]+\]:[\s\S]*?(?:\n\n|\z)`)
	fileLinePattern  = regexp.MustCompile(`\S+\.go:\d+`)
	addrPattern      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	signaturePattern = regexp.MustCompile(`sha256=[0-9a-fA-F]{16,}`)
)

// SanitizeMessage strips material that must not reach logs or audit records:
// well-known credential shapes, webhook signatures and stack traces.
func SanitizeMessage(msg string) string {
	msg = removeSecretPatterns(msg)
	msg = signaturePattern.ReplaceAllString(msg, SignaturePrefix+redacted)
	msg = removeStackTraces(msg)
	return msg
}

// removeSecretPatterns removes patterns that look like API keys or tokens.
func removeSecretPatterns(msg string) string {
	patterns := []struct {
		prefix string
		length int
	}{
		{"sk-", 32},
		{"xai-", 32},
		{"api_key=", 20},
		{"apiKey=", 20},
		{"token=", 20},
		{"Bearer ", 20},
		{"Bot ", 40},
	}

	for _, pattern := range patterns {
		idx := strings.Index(msg, pattern.prefix)
		if idx != -1 {
			endIdx := idx + len(pattern.prefix) + pattern.length
			if endIdx > len(msg) {
				endIdx = len(msg)
			}
			msg = msg[:idx] + redacted + msg[endIdx:]
		}
	}

	return msg
}

func removeStackTraces(msg string) string {
	msg = goroutinePattern.ReplaceAllString(msg, "[STACK_TRACE_REMOVED]")
	msg = fileLinePattern.ReplaceAllString(msg, "[FILE:LINE]")
	return addrPattern.ReplaceAllString(msg, "[ADDR]")
}

// MaskSecret hides a secret for display. Only the length class leaks.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "********"
}

// Redactor replaces registered secret values in arbitrary strings.
// It is safe for concurrent use.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor creates a redactor for the given secrets. Empty values are ignored.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Add(secrets...)
	return r
}

// Add registers more secrets.
func (r *Redactor) Add(secrets ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if s != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	// longest first so a secret containing another is replaced whole
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

// Redact returns msg with every registered secret and known credential shape removed.
func (r *Redactor) Redact(msg string) string {
	if r != nil {
		r.mu.RLock()
		for _, s := range r.secrets {
			msg = strings.ReplaceAll(msg, s, redacted)
		}
		r.mu.RUnlock()
	}
	return SanitizeMessage(msg)
}
