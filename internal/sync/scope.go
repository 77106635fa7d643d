package sync

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Wildcard is the scope value meaning "all values this actor may see".
const Wildcard = "*"

// ScopeValue is one entry of a scope mapping: a single value, a set of
// values, or the wildcard.
type ScopeValue struct {
	wildcard bool
	values   []string
}

// Single returns a ScopeValue holding exactly one value.
func Single(v string) ScopeValue {
	return ScopeValue{values: []string{v}}
}

// Values returns a ScopeValue holding a set of values.
func Values(vs ...string) ScopeValue {
	out := make([]string, len(vs))
	copy(out, vs)
	return ScopeValue{values: out}
}

// Any returns the wildcard ScopeValue.
func Any() ScopeValue {
	return ScopeValue{wildcard: true}
}

// IsWildcard reports whether the value is the wildcard.
func (v ScopeValue) IsWildcard() bool { return v.wildcard }

// List returns the concrete values. Empty for the wildcard.
func (v ScopeValue) List() []string { return v.values }

// Contains reports whether s is covered by the value.
func (v ScopeValue) Contains(s string) bool {
	if v.wildcard {
		return true
	}
	for _, x := range v.values {
		if x == s {
			return true
		}
	}
	return false
}

// MarshalJSON encodes the value as "*", a string, or an array of strings.
func (v ScopeValue) MarshalJSON() ([]byte, error) {
	if v.wildcard {
		return json.Marshal(Wildcard)
	}
	if len(v.values) == 1 {
		return json.Marshal(v.values[0])
	}
	return json.Marshal(v.values)
}

// UnmarshalJSON accepts "*", a string, or an array of strings.
func (v *ScopeValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == Wildcard {
			*v = Any()
		} else {
			*v = Single(s)
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*v = ScopeValue{values: list}
		return nil
	}
	return fmt.Errorf("scope value must be %q, a string, or a string array", Wildcard)
}

// ScopeMap maps scope-key names to authorized values.
type ScopeMap map[string]ScopeValue

// Intersect narrows m by the client-declared mapping so a client cannot
// observe scopes beyond its authorization. Keys present only on one side
// keep that side's value. Returns false when any shared key intersects to
// the empty set.
func (m ScopeMap) Intersect(declared ScopeMap) (ScopeMap, bool) {
	if len(declared) == 0 {
		return m.clone(), true
	}
	out := make(ScopeMap, len(m)+len(declared))
	for k, v := range m {
		out[k] = v
	}
	for k, dv := range declared {
		av, ok := out[k]
		if !ok {
			out[k] = dv
			continue
		}
		switch {
		case av.IsWildcard():
			out[k] = dv
		case dv.IsWildcard():
			// keep the authorized value
		default:
			var kept []string
			for _, v := range dv.values {
				if av.Contains(v) {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				return nil, false
			}
			out[k] = ScopeValue{values: kept}
		}
	}
	return out, true
}

func (m ScopeMap) clone() ScopeMap {
	out := make(ScopeMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Binding is a fully materialized scope assignment used for snapshots.
// Each key maps to a single value or the wildcard; sets are expanded into
// one binding per value before snapshots run.
type Binding map[string]ScopeValue

// Bindings expands the mapping into the Cartesian product of its concrete
// values. Wildcard entries pass through as wildcard (the handler decides
// what "all" means for its table). The result is ordered by key for
// determinism.
func (m ScopeMap) Bindings() []Binding {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bindings := []Binding{{}}
	for _, k := range keys {
		v := m[k]
		if v.IsWildcard() {
			for _, b := range bindings {
				b[k] = Any()
			}
			continue
		}
		next := make([]Binding, 0, len(bindings)*len(v.values))
		for _, b := range bindings {
			for _, val := range v.values {
				nb := make(Binding, len(b)+1)
				for bk, bv := range b {
					nb[bk] = bv
				}
				nb[k] = Single(val)
				next = append(next, nb)
			}
		}
		bindings = next
	}
	return bindings
}

// Key serializes the binding into a stable scope-key form, e.g.
// "share_id=s1,user_id=u1". Used to address snapshot chunks.
func (b Binding) Key() string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := b[k]
		if v.IsWildcard() {
			parts = append(parts, k+"="+Wildcard)
			continue
		}
		parts = append(parts, k+"="+v.values[0])
	}
	return strings.Join(parts, ",")
}

var scopePatternVar = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ScopePattern is a template like "user:{user_id}" that materializes into a
// flat scope key such as "user:alice".
type ScopePattern struct {
	raw  string
	keys []string
}

// ParseScopePattern parses a pattern template. Patterns with no variables
// are valid and materialize to themselves.
func ParseScopePattern(raw string) (ScopePattern, error) {
	if raw == "" {
		return ScopePattern{}, fmt.Errorf("empty scope pattern")
	}
	var keys []string
	for _, m := range scopePatternVar.FindAllStringSubmatch(raw, -1) {
		keys = append(keys, m[1])
	}
	return ScopePattern{raw: raw, keys: keys}, nil
}

// MustScopePattern is ParseScopePattern that panics on error, for
// package-level handler declarations.
func MustScopePattern(raw string) ScopePattern {
	p, err := ParseScopePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the raw template.
func (p ScopePattern) String() string { return p.raw }

// Keys returns the scope-key names the pattern references.
func (p ScopePattern) Keys() []string { return p.keys }

// Materialize substitutes extracted scope values into the template.
// Returns false when any referenced key is missing from extracted.
func (p ScopePattern) Materialize(extracted map[string]string) (string, bool) {
	out := p.raw
	for _, k := range p.keys {
		v, ok := extracted[k]
		if !ok || v == "" {
			return "", false
		}
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out, true
}

// Expand materializes the pattern against every combination of concrete
// values in the mapping. Wildcard or missing keys abort expansion for this
// pattern (a wildcard cannot be flattened into scope keys).
func (p ScopePattern) Expand(m ScopeMap) []string {
	assignments := []map[string]string{{}}
	for _, k := range p.keys {
		v, ok := m[k]
		if !ok || v.IsWildcard() || len(v.values) == 0 {
			return nil
		}
		next := make([]map[string]string, 0, len(assignments)*len(v.values))
		for _, a := range assignments {
			for _, val := range v.values {
				na := make(map[string]string, len(a)+1)
				for ak, av := range a {
					na[ak] = av
				}
				na[k] = val
				next = append(next, na)
			}
		}
		assignments = next
	}
	keys := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if key, ok := p.Materialize(a); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// ScopeKeysForChange computes the deduplicated scope keys for one change's
// extracted scopes across the given patterns.
func ScopeKeysForChange(patterns []ScopePattern, extracted map[string]string) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, p := range patterns {
		if key, ok := p.Materialize(extracted); ok && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}
