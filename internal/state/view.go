package state

import (
	"slices"

	"github.com/evmts/smithers/internal/ir"
)

// ReadView is a frozen view of a store at one version.
type ReadView interface {
	Get(key string) (ir.IRValue, bool)
	Keys() []string
	Version() int64
}

// snapshot is the ReadView implementation shared by both stores. The map is
// private to the snapshot and never mutated after construction.
type snapshot struct {
	entries map[string]ir.IRValue
	version int64
}

func newSnapshot(entries map[string]ir.IRValue, version int64) *snapshot {
	copied := make(map[string]ir.IRValue, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return &snapshot{entries: copied, version: version}
}

func (s *snapshot) Get(key string) (ir.IRValue, bool) {
	v, ok := s.entries[key]
	return v, ok
}

func (s *snapshot) Keys() []string {
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (s *snapshot) Version() int64 {
	return s.version
}

// Entries returns a copy of all entries in a view.
func Entries(v ReadView) map[string]ir.IRValue {
	out := make(map[string]ir.IRValue)
	for _, k := range v.Keys() {
		val, _ := v.Get(k)
		out[k] = val
	}
	return out
}

// GetString is a convenience for render functions.
func GetString(v ReadView, key string) string {
	val, _ := v.Get(key)
	s, _ := val.(ir.IRString)
	return string(s)
}

// GetInt is a convenience for render functions.
func GetInt(v ReadView, key string) int64 {
	val, _ := v.Get(key)
	n, _ := val.(ir.IRInt)
	return int64(n)
}

// GetBool is a convenience for render functions.
func GetBool(v ReadView, key string) bool {
	val, _ := v.Get(key)
	b, _ := val.(ir.IRBool)
	return bool(b)
}

// EmptyView returns a view with no entries at version 0.
func EmptyView() ReadView {
	return newSnapshot(nil, 0)
}
