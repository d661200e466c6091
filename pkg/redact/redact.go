package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	keyIDRe  = regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)
	secretRe = regexp.MustCompile(`(?i)(secret_access_key|secretaccesskey|session_token|sessiontoken|secret)(["':=\s]+)[A-Za-z0-9/+=]{8,}`)
)

// SetEnabled toggles credential redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts access key IDs and labelled secret values when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := keyIDRe.ReplaceAllString(in, "[REDACTED_KEY_ID]")
	out = secretRe.ReplaceAllString(out, "$1$2[REDACTED_SECRET]")
	return out
}
