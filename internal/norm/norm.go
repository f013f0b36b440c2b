// Package norm contains functions to help normalize user-supplied data
// before it is stored or used as a lookup key.
package norm

import "strings"

// Email normalizes an email address for use as an identity key. Leading and
// trailing whitespace is removed and the address is lowercased.
//
// Provider-specific rewriting (like dropping dots for gmail.com) is not
// done; such addresses are separate accounts.
func Email(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// StopName normalizes a transit stop name for use as a cache key: runs of
// whitespace collapse to a single space, and case is folded.
func StopName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Text trims surrounding whitespace from a user-supplied label, like a route
// or stop name, while preserving its case.
func Text(s string) string {
	return strings.TrimSpace(s)
}
