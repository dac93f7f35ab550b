// Package model defines the core entities shared by every stage of the
// memory processing pipeline.
package model

import "sort"

// MaxScopeKeys bounds the number of key/value pairs a Scope may carry.
const MaxScopeKeys = 5

// Scope is a small key/value map acting as the sole tenant-isolation
// primitive. Two scopes are equal iff they carry identical key sets and
// values.
type Scope map[string]string

// Equal reports whether s and other have identical key sets and values.
func (s Scope) Equal(other Scope) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Valid reports whether the scope respects the bounded key count and
// carries no empty keys.
func (s Scope) Valid() bool {
	if len(s) == 0 || len(s) > MaxScopeKeys {
		return false
	}
	for k := range s {
		if k == "" {
			return false
		}
	}
	return true
}

// SortedKeys returns the scope's keys in a stable order, used anywhere a
// scope needs a canonical representation (payload filters, cache keys).
func (s Scope) SortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
