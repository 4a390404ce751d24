package domain

import (
	"regexp"
	"sort"
)

// FilterKeySource selects on the item's source column instead of metadata.
const FilterKeySource = "source"

var filterKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Filter is an equality match over item metadata. The reserved key
// "source" matches KnowledgeItem.Source.
type Filter map[string]any

// Validate returns ErrFilterInvalid-coded errors for malformed filters.
func (f Filter) Validate() error {
	for key, value := range f {
		if !filterKeyPattern.MatchString(key) {
			return FilterInvalid("invalid filter key %q", key)
		}
		if !isScalar(value) {
			return FilterInvalid("filter %q must be a string, number or bool", key)
		}
		if key == FilterKeySource {
			if _, ok := value.(string); !ok {
				return FilterInvalid("filter %q must be a string", key)
			}
		}
	}
	return nil
}

// Source returns the source constraint, if any.
func (f Filter) Source() string {
	v, _ := f[FilterKeySource].(string)
	return v
}

// Metadata returns the filter without the reserved source key.
func (f Filter) Metadata() map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		if k == FilterKeySource {
			continue
		}
		out[k] = v
	}
	return out
}

// Keys returns the filter keys in sorted order.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Matches reports whether an item satisfies the filter.
func (f Filter) Matches(item *KnowledgeItem) bool {
	for key, want := range f {
		if key == FilterKeySource {
			if item.Source != want {
				return false
			}
			continue
		}
		got, ok := item.Metadata[key]
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
