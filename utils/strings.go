package utils

import (
	"strings"
)

// BuildKey joins the parts of a request fingerprint into a cache key.
// The cache itself treats keys as opaque; this is a convenience for
// callers hashing query parameters or content identifiers.
func BuildKey(parts ...string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}

	size := len(parts) - 1
	for _, p := range parts {
		size += len(p)
	}

	var sb strings.Builder
	sb.Grow(size)
	for i, p := range parts {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(p)
	}
	return sb.String()
}
