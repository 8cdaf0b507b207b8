// Package match implements glob matching of event routing keys against
// subscription patterns.
//
// A pattern is an ordinary string where '*' matches any run of characters,
// including the empty run. No other character is special: '.' is matched
// literally, so "llm.*" matches both "llm.chat" and "llm.chat.request".
// Exact equality is always a match.
package match

// Matches reports whether eventType matches pattern.
//
// Matching is case-sensitive and total: it never fails, and the same inputs
// always produce the same result. Patterns without '*' must equal eventType
// exactly; there is no substring matching.
func Matches(eventType, pattern string) bool {
	if eventType == pattern {
		return true
	}

	// Iterative wildcard match with backtracking over the last '*' seen.
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(eventType) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			mark = si
			pi++
		case pi < len(pattern) && pattern[pi] == eventType[si]:
			si++
			pi++
		case star >= 0:
			// Mismatch after a '*': widen what the '*' consumed and retry.
			mark++
			si = mark
			pi = star + 1
		default:
			return false
		}
	}
	// Only trailing wildcards may remain unconsumed.
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
