package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe   = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe   = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	sipUserRe = regexp.MustCompile(`(?i)(sips?:)([^@;>\s]+)@`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Address redacts a dial string or SIP URI, keeping the last three digits
// so adjacent log lines about the same call remain correlatable.
func Address(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := sipUserRe.ReplaceAllString(in, "${1}[REDACTED]@")
	out = phoneRe.ReplaceAllStringFunc(out, func(m string) string {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, m)
		if len(digits) <= 3 {
			return "[REDACTED]"
		}
		return "***" + digits[len(digits)-3:]
	})
	return out
}
