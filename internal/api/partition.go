package api

import (
	"net/http"
	"strings"
)

// DefaultPartition is used when no partition identifier is supplied.
const DefaultPartition = "default"

const maxPartitionLen = 120

// ResolvePartition picks the partition identifier from the request:
// header first (name configurable), then query parameters, then the
// default.
func ResolvePartition(r *http.Request, headerName string) string {
	if p := requestPartition(r, headerName); p != "" {
		return p
	}
	return DefaultPartition
}

// requestPartition returns the sanitized request-supplied partition, or
// "" when the request names none (so callers can fall back to a
// credential-bound partition).
func requestPartition(r *http.Request, headerName string) string {
	if headerName == "" {
		headerName = "x-sync-partition"
	}
	if v := r.Header.Get(headerName); v != "" {
		return SanitizePartition(v)
	}
	for _, q := range []string{"partition", "demoId", "demo_id"} {
		if v := r.URL.Query().Get(q); v != "" {
			return SanitizePartition(v)
		}
	}
	return ""
}

// SanitizePartition replaces any character outside [A-Za-z0-9._:-] with
// "-", trims to 120 characters, and collapses empty to "default".
func SanitizePartition(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '.', c == '_', c == ':', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if len(out) > maxPartitionLen {
		out = out[:maxPartitionLen]
	}
	if out == "" {
		return DefaultPartition
	}
	return out
}
