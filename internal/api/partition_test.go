package api

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSanitizePartition(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean", "tenant-1", "tenant-1"},
		{"allowed punctuation", "a.b_c:d-e", "a.b_c:d-e"},
		{"spaces and slashes", "my tenant/1", "my-tenant-1"},
		{"empty", "", "default"},
		{"unicode", "héllo", "h-llo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizePartition(tt.in); got != tt.want {
				t.Fatalf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	long := strings.Repeat("a", 200)
	if got := SanitizePartition(long); len(got) != 120 {
		t.Fatalf("long partition trimmed to %d chars, want 120", len(got))
	}
}

func TestResolvePartition_Precedence(t *testing.T) {
	// Header wins over query.
	r := httptest.NewRequest("POST", "/v1/sync?demoId=from-query", nil)
	r.Header.Set("x-sync-partition", "from-header")
	if got := ResolvePartition(r, "x-sync-partition"); got != "from-header" {
		t.Fatalf("header precedence = %q", got)
	}

	// Query fallbacks in order.
	r = httptest.NewRequest("POST", "/v1/sync?demo_id=legacy", nil)
	if got := ResolvePartition(r, "x-sync-partition"); got != "legacy" {
		t.Fatalf("query fallback = %q", got)
	}

	r = httptest.NewRequest("POST", "/v1/sync", nil)
	if got := ResolvePartition(r, "x-sync-partition"); got != DefaultPartition {
		t.Fatalf("default = %q", got)
	}
}
