package providers

import (
	"regexp"
	"strings"
)

// Fatal patterns: never retried, surfaced as final content.
var fatalPatterns = []string{
	"invalid api key",
	"incorrect api key",
	"unauthorized",
	"permission denied",
	"authentication failed",
	"account deactivated",
}

// Retryable patterns for finish_reason=error content. The set is
// data-driven and may be extended via AddRetryablePattern.
var retryablePatterns = []string{
	"service unavailable",
	"try again later",
	"rate limit",
	"too many requests",
	"overloaded",
	"timeout",
	"timed out",
	"temporarily",
	"bad gateway",
	"internal server error",
	"connection reset",
}

// Context-overflow patterns per the provider error taxonomy.
var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)maximum context length`),
	regexp.MustCompile(`(?i)exceeds.*maximum context length`),
	regexp.MustCompile(`(?i)input tokens exceeds`),
	regexp.MustCompile(`(?i)context length`),
	regexp.MustCompile(`(?i)context_length_exceeded`),
}

// AddRetryablePattern extends the retryable set at bootstrap.
func AddRetryablePattern(p string) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p != "" {
		retryablePatterns = append(retryablePatterns, p)
	}
}

// IsFatalError reports whether error text indicates an auth/permission
// failure that must not be retried.
func IsFatalError(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsRetryableError reports whether error text indicates a transient
// condition worth retrying.
func IsRetryableError(text string) bool {
	if IsFatalError(text) {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// IsContextOverflow reports whether error text indicates the prompt
// exceeded the model's context window.
func IsContextOverflow(text string) bool {
	for _, re := range overflowPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
