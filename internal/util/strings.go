// Package util provides small helpers shared across the authorization
// server packages.
package util

import "strings"

// SafeTruncate truncates s to maxLen characters without panicking. It is
// used when logging credential prefixes, where only the first few characters
// may be shown. A negative maxLen returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for issuer and endpoint comparison by
// removing trailing slashes.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
