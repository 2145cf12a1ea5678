package types

import (
	"encoding/json"
	"sort"
	"strings"
)

// Set is a deduplicated, case-folded, sorted collection of strings.
// Topics, skills and languages are stored as sets; the dominant operations
// are membership and overlap.
type Set struct {
	items []string
}

// NewSet builds a set from arbitrary input, trimming and lowercasing each
// element and discarding empties and duplicates.
func NewSet(items ...string) Set {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		k := normalizeSetItem(it)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return Set{items: out}
}

func normalizeSetItem(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Len returns the number of elements.
func (s Set) Len() int { return len(s.items) }

// Items returns a copy of the elements in sorted order.
func (s Set) Items() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// Contains reports whether item is a member (case-insensitive).
func (s Set) Contains(item string) bool {
	k := normalizeSetItem(item)
	i := sort.SearchStrings(s.items, k)
	return i < len(s.items) && s.items[i] == k
}

// Overlap returns the number of elements present in both sets.
func (s Set) Overlap(other Set) int {
	i, j, n := 0, 0, 0
	for i < len(s.items) && j < len(other.items) {
		switch {
		case s.items[i] == other.items[j]:
			n++
			i++
			j++
		case s.items[i] < other.items[j]:
			i++
		default:
			j++
		}
	}
	return n
}

// OverlapRatio returns |s ∩ other| / |s|, or 0 when s is empty.
func (s Set) OverlapRatio(other Set) float64 {
	if len(s.items) == 0 {
		return 0
	}
	return float64(s.Overlap(other)) / float64(len(s.items))
}

// MarshalJSON encodes the set as a JSON array.
func (s Set) MarshalJSON() ([]byte, error) {
	if s.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.items)
}

// UnmarshalJSON decodes a JSON array, normalizing elements.
func (s *Set) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewSet(raw...)
	return nil
}
