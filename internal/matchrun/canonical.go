package matchrun

import "strings"

// CanonicalKey normalizes a user-submitted identifier so that trivially
// different spellings of the same site collapse onto one key: surrounding
// whitespace is trimmed, the string is lowercased, any leading http:// or
// https:// scheme is stripped, and trailing slashes are removed. Malformed
// input is not rejected; the best-effort normalized string is returned and
// URL validation stays an external concern. The function is idempotent:
// CanonicalKey(CanonicalKey(x)) == CanonicalKey(x). Scheme prefixes are
// stripped in a loop and every trailing slash is trimmed for exactly that
// reason: removing a single slash would leave "example.com//" reducing to
// "example.com/" and then to "example.com" on a second pass, so equivalent
// inputs could map to different keys depending on how often they were
// normalized.
func CanonicalKey(input string) string {
	key := strings.ToLower(strings.TrimSpace(input))
	for {
		stripped := strings.TrimPrefix(key, "https://")
		stripped = strings.TrimPrefix(stripped, "http://")
		if stripped == key {
			break
		}
		key = stripped
	}
	return strings.TrimRight(key, "/")
}
