package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing text that can show up in endpoints,
// dial errors, terminal lines and intervention diffs.
var secretPatterns = []*regexp.Regexp{
	// key=value style credentials
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization header values
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// userinfo in ws:// and http:// URLs
	regexp.MustCompile(`(?i)(wss?://|https?://)([^/\s:@]+:[^/\s@]+)@`),
	// uuid-shaped tokens after auth-related prefixes
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing substrings with [REDACTED], keeping any
// leading label so the redacted text stays readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) < 3 {
				return redactedPlaceholder
			}
			if strings.HasSuffix(match, "@") {
				return submatch[1] + redactedPlaceholder + "@"
			}
			return submatch[1] + redactedPlaceholder
		})
	}
	return result
}

// RedactEndpoint strips credentials from a daemon endpoint before it is logged.
func RedactEndpoint(endpoint string) string {
	return Redact(endpoint)
}

// RedactEnvValue hides the value of secret-looking environment keys.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
