// ABOUTME: Rich value types that plain JSON cannot represent: Undefined, Map and Set.
// ABOUTME: Map and Set keep insertion order so serialized output is deterministic.

package codec

import "reflect"

// UndefinedType is the type of Undefined.
type UndefinedType struct{}

// Undefined marks a key that is present but has no value. It is distinct from nil.
var Undefined = UndefinedType{}

// MapEntry is one key/value pair of a Map.
type MapEntry struct {
	Key   any
	Value any
}

// Map is an insertion-ordered map whose keys may be any value, not just strings.
type Map struct {
	entries []MapEntry
}

// NewMap returns a Map holding entries in order. Later duplicates replace earlier values.
func NewMap(entries ...MapEntry) *Map {
	m := &Map{}
	for _, e := range entries {
		m.Set(e.Key, e.Value)
	}
	return m
}

// Set stores value under key, keeping the original position of an existing key.
func (m *Map) Set(key, value any) {
	if i := m.find(key); i >= 0 {
		m.entries[i].Value = value
		return
	}
	m.entries = append(m.entries, MapEntry{Key: key, Value: value})
}

// Get returns the value stored under key.
func (m *Map) Get(key any) (any, bool) {
	if i := m.find(key); i >= 0 {
		return m.entries[i].Value, true
	}
	return nil, false
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.entries)
}

// Entries returns a copy of the entries in insertion order.
func (m *Map) Entries() []MapEntry {
	out := make([]MapEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Map) find(key any) int {
	for i, e := range m.entries {
		if sameKey(e.Key, key) {
			return i
		}
	}
	return -1
}

// Set is an insertion-ordered collection of distinct values.
type Set struct {
	items []any
}

// NewSet returns a Set holding the distinct values of items in order.
func NewSet(items ...any) *Set {
	s := &Set{}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// Add inserts item unless an equal item is already present.
func (s *Set) Add(item any) {
	if s.Has(item) {
		return
	}
	s.items = append(s.items, item)
}

// Has reports whether item is in the set.
func (s *Set) Has(item any) bool {
	for _, existing := range s.items {
		if sameKey(existing, item) {
			return true
		}
	}
	return false
}

// Len returns the number of items.
func (s *Set) Len() int {
	return len(s.items)
}

// Items returns a copy of the items in insertion order.
func (s *Set) Items() []any {
	out := make([]any, len(s.items))
	copy(out, s.items)
	return out
}

// sameKey compares comparable values with == and everything else structurally.
func sameKey(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
