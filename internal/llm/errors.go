package llm

import "strings"

// transientSubstrings mirrors the teacher's gemini.Client.IsTransientError
// heuristic: classify by substring rather than typed provider errors, since
// every provider's SDK surfaces failures differently.
var transientSubstrings = []string{
	"503",
	"500",
	"timeout",
	"connection refused",
	"context deadline exceeded",
	"connection reset",
	"eof",
}

// rateLimitSubstrings identifies the failures spec.md §4.3.1 calls out for
// rate-limit-aware retry with ETA messaging.
var rateLimitSubstrings = []string{
	"429",
	"rate limit",
}

func containsAny(msg string, substrings []string) bool {
	lower := strings.ToLower(msg)
	for _, s := range substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsTransient applies the pack-wide substring classifier to an error's
// message. Concrete Client implementations may delegate to this, or apply
// provider-specific knowledge on top of it.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), transientSubstrings)
}

// IsRateLimit reports whether err signals the provider's rate limit was
// hit, per spec.md's "429 / rate limit" classification.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), rateLimitSubstrings)
}
