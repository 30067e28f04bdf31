package redact

import "strings"

// Mask replaces every secret-like span in text with a typed placeholder.
// Replacements are longest-first so that a value containing another
// matched value is never partially substituted. Masking is idempotent:
// placeholders contain nothing the scanner matches.
func Mask(text string) string {
	matches := Scan(text)
	if len(matches) == 0 {
		return text
	}

	// Longest value first to avoid partial substitution.
	values := make([]Match, len(matches))
	copy(values, matches)
	for i := range values {
		for j := i + 1; j < len(values); j++ {
			if len(values[j].Value) > len(values[i].Value) {
				values[i], values[j] = values[j], values[i]
			}
		}
	}

	result := text
	for _, m := range values {
		result = strings.ReplaceAll(result, m.Value, "[REDACTED:"+string(m.Type)+"]")
	}
	return result
}

// ContainsSecret reports whether text has at least one secret-like span.
func ContainsSecret(text string) bool {
	return len(Scan(text)) > 0
}
