package utils

import "strings"

// Wildcard is the pattern that matches every value.
const Wildcard = "*"

// Match reports whether value satisfies pattern. Patterns are one of:
//   - "*" which matches any value, including the empty string.
//   - "<prefix>:*" which matches any value that starts with "<prefix>:".
//   - anything else, which must equal value exactly (case-sensitive).
//
// A '*' that is not the whole pattern or the character after the final ':' is literal.
func Match(pattern, value string) bool {
	if pattern == Wildcard {
		return true
	}
	if prefix, ok := namespacePrefix(pattern); ok {
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}

// MatchAny reports whether any pattern matches value. An empty pattern set matches nothing.
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if Match(p, value) {
			return true
		}
	}
	return false
}

// MatchAnyOf reports whether any pattern matches any of the values.
func MatchAnyOf(patterns []string, values []string) bool {
	for _, v := range values {
		if MatchAny(patterns, v) {
			return true
		}
	}
	return false
}

// IsPattern reports whether s contains wildcard syntax understood by Match.
func IsPattern(s string) bool {
	if s == Wildcard {
		return true
	}
	_, ok := namespacePrefix(s)
	return ok
}

// namespacePrefix returns "billing:" for "billing:*".
func namespacePrefix(pattern string) (string, bool) {
	if len(pattern) < 2 || !strings.HasSuffix(pattern, ":*") {
		return "", false
	}
	return pattern[:len(pattern)-1], true
}
