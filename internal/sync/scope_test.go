package sync

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestScopeValueJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want ScopeValue
	}{
		{"single", `"u1"`, Single("u1")},
		{"set", `["u1","u2"]`, Values("u1", "u2")},
		{"wildcard", `"*"`, Any()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ScopeValue
			if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.IsWildcard() != tt.want.IsWildcard() || !reflect.DeepEqual(got.List(), tt.want.List()) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	// Single values re-marshal as plain strings, not one-element arrays.
	out, err := json.Marshal(Single("u1"))
	if err != nil || string(out) != `"u1"` {
		t.Fatalf("marshal single = %s, %v", out, err)
	}
	out, _ = json.Marshal(Any())
	if string(out) != `"*"` {
		t.Fatalf("marshal wildcard = %s", out)
	}
}

func TestScopeValueUnmarshalRejectsObjects(t *testing.T) {
	var v ScopeValue
	if err := json.Unmarshal([]byte(`{"a":1}`), &v); err == nil {
		t.Fatalf("object accepted as scope value")
	}
}

func TestScopeMapIntersect(t *testing.T) {
	authorized := ScopeMap{"user_id": Values("u1", "u2")}

	// No declaration keeps the authorized mapping.
	got, ok := authorized.Intersect(nil)
	if !ok || !got["user_id"].Contains("u1") {
		t.Fatalf("nil declaration = %+v, %v", got, ok)
	}

	// Declared subset narrows.
	got, ok = authorized.Intersect(ScopeMap{"user_id": Single("u2")})
	if !ok || len(got["user_id"].List()) != 1 || got["user_id"].List()[0] != "u2" {
		t.Fatalf("subset = %+v, %v", got, ok)
	}

	// Declared value outside authorization empties the intersection.
	if _, ok = authorized.Intersect(ScopeMap{"user_id": Single("u9")}); ok {
		t.Fatalf("out-of-scope declaration accepted")
	}

	// Authorized wildcard defers to the declaration.
	got, ok = ScopeMap{"user_id": Any()}.Intersect(ScopeMap{"user_id": Single("u7")})
	if !ok || got["user_id"].List()[0] != "u7" {
		t.Fatalf("wildcard intersect = %+v, %v", got, ok)
	}

	// Declared wildcard keeps the authorized values.
	got, ok = authorized.Intersect(ScopeMap{"user_id": Any()})
	if !ok || len(got["user_id"].List()) != 2 {
		t.Fatalf("declared wildcard = %+v, %v", got, ok)
	}
}

func TestBindingsCartesianProduct(t *testing.T) {
	m := ScopeMap{
		"user_id":  Values("u1", "u2"),
		"share_id": Single("s1"),
		"org_id":   Any(),
	}
	bindings := m.Bindings()
	if len(bindings) != 2 {
		t.Fatalf("bindings = %d, want 2", len(bindings))
	}
	for _, b := range bindings {
		if !b["org_id"].IsWildcard() {
			t.Fatalf("org_id should stay wildcard: %+v", b)
		}
		if b["share_id"].List()[0] != "s1" {
			t.Fatalf("share_id = %+v", b["share_id"])
		}
	}
	if bindings[0].Key() == bindings[1].Key() {
		t.Fatalf("bindings share a key: %s", bindings[0].Key())
	}
}

func TestScopePattern(t *testing.T) {
	p, err := ParseScopePattern("user:{user_id}")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p.Keys()) != 1 || p.Keys()[0] != "user_id" {
		t.Fatalf("keys = %v", p.Keys())
	}

	key, ok := p.Materialize(map[string]string{"user_id": "alice"})
	if !ok || key != "user:alice" {
		t.Fatalf("materialize = %q, %v", key, ok)
	}
	if _, ok := p.Materialize(map[string]string{}); ok {
		t.Fatalf("materialize with missing key succeeded")
	}

	if _, err := ParseScopePattern(""); err == nil {
		t.Fatalf("empty pattern accepted")
	}
}

func TestScopePatternExpand(t *testing.T) {
	p := MustScopePattern("user:{user_id}")

	keys := p.Expand(ScopeMap{"user_id": Values("u1", "u2")})
	if len(keys) != 2 || keys[0] != "user:u1" || keys[1] != "user:u2" {
		t.Fatalf("expand = %v", keys)
	}

	// Wildcards cannot flatten into scope keys.
	if keys := p.Expand(ScopeMap{"user_id": Any()}); keys != nil {
		t.Fatalf("wildcard expand = %v, want nil", keys)
	}
	if keys := p.Expand(ScopeMap{}); keys != nil {
		t.Fatalf("missing key expand = %v, want nil", keys)
	}
}

func TestScopeKeysForChange(t *testing.T) {
	patterns := []ScopePattern{
		MustScopePattern("user:{user_id}"),
		MustScopePattern("share:{share_id}"),
		MustScopePattern("user:{user_id}"), // duplicate pattern deduplicates
	}
	keys := ScopeKeysForChange(patterns, map[string]string{"user_id": "u1"})
	if len(keys) != 1 || keys[0] != "user:u1" {
		t.Fatalf("keys = %v", keys)
	}

	keys = ScopeKeysForChange(patterns, map[string]string{"user_id": "u1", "share_id": "s9"})
	if len(keys) != 2 {
		t.Fatalf("keys = %v", keys)
	}
}
