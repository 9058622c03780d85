// Package pipeline implements the per-message decision path from "message
// received" to "response (or deliberate silence) sent": sanitizing, loop
// suppression, context tracking, rate limiting, rule matching, generated
// composition, guardrails, and the per-recipient serialized controller that
// ties them together.
package pipeline

import (
	"regexp"
	"strings"
)

// statusPrefixes are transport status lines that carry no human content.
var statusPrefixes = []string{"Sent:", "Delivered:", "Read:"}

// statusTokens are messages that consist of nothing but a delivery status.
var statusTokens = map[string]bool{
	"sent":      true,
	"delivered": true,
	"read":      true,
}

// timestampPattern matches ISO-like date/time fragments that some carriers
// prepend to forwarded or status messages.
var timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}([ T]\d{2}:\d{2}(:\d{2})?)?`)

// SanitizeResult is the output of Sanitize.
type SanitizeResult struct {
	Clean string
	// NoiseOnly is true when nothing human-authored remains after
	// stripping transport noise.
	NoiseOnly bool
}

// Sanitize strips delivery-status prefixes and timestamp fragments from a
// raw inbound body. Pure function, no side effects.
func Sanitize(raw string) SanitizeResult {
	trimmed := strings.TrimSpace(raw)
	if statusTokens[strings.ToLower(trimmed)] {
		return SanitizeResult{Clean: "", NoiseOnly: true}
	}

	var kept []string
	for _, line := range strings.Split(trimmed, "\n") {
		l := strings.TrimSpace(line)
		if l == "" {
			continue
		}
		if hasStatusPrefix(l) {
			continue
		}
		kept = append(kept, l)
	}

	clean := strings.Join(kept, "\n")
	clean = timestampPattern.ReplaceAllString(clean, "")
	clean = strings.TrimSpace(clean)

	return SanitizeResult{Clean: clean, NoiseOnly: clean == ""}
}

func hasStatusPrefix(line string) bool {
	for _, p := range statusPrefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}
