// analytics/dynconfig/store.go
package dynconfig

import (
	"sync/atomic"
	"time"
)

// Value is a dynamic configuration document decoded from a JSON object.
// Values held by the Store are shared between readers and must not be mutated.
type Value map[string]any

// Source names where an update came from.
type Source string

const (
	SourceNone     Source = "none"
	SourceStartup  Source = "startup"
	SourceRegistry Source = "registry"
	SourceFile     Source = "file"
)

// Snapshot is the active configuration together with where and when it was applied.
type Snapshot struct {
	Value     Value     `json:"value"`
	Source    Source    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store holds exactly one active configuration. Set swaps an immutable
// snapshot pointer, so Get never blocks and never sees a partial update.
// The last Set to complete wins.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a Store whose active value is empty.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Snapshot{Value: Value{}, Source: SourceNone})
	return s
}

// Get returns the active value.
func (s *Store) Get() Value {
	return s.current.Load().Value
}

// Snapshot returns the active value with its provenance.
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Set replaces the active value and returns the snapshot it installed.
// No validation happens here; a nil value is stored as empty.
func (s *Store) Set(v Value, source Source) Snapshot {
	if v == nil {
		v = Value{}
	}
	snap := &Snapshot{Value: v, Source: source, UpdatedAt: time.Now().UTC()}
	s.current.Store(snap)
	return *snap
}
