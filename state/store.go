package state

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
)

// Entry is one owned, versioned state value.
type Entry struct {
	Path      string `json:"path"`
	Value     any    `json:"value"`
	Owner     string `json:"owner"`
	Version   uint64 `json:"version"`
	Stale     bool   `json:"stale"`
	UpdatedAt int64  `json:"updatedAt"` // unix milliseconds
}

// Delta describes one mutation of one entry. Deleted marks the final
// delta of an entry's life; its Entry carries a nil value and the
// final incremented version.
type Delta struct {
	Path            string
	Entry           Entry
	PreviousVersion *uint64 // nil on creation
	Deleted         bool
}

// Listener receives deltas. Listeners run outside the store lock and
// may re-enter the store.
type Listener func(Delta)

// Store is the concurrency-safe owner-scoped state map.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	version uint64 // global mutation counter
	clock   message.Clock
	logger  *slog.Logger

	listeners  []registeredListener
	nextListID int

	// Delta dispatch queue. Mutations enqueue under mu and one caller
	// drains at a time, so listeners observe write order even when a
	// listener re-enters the store.
	pending  []Delta
	draining bool
}

type registeredListener struct {
	id int
	fn Listener
}

// NewStore creates an empty store. A nil clock means the system
// clock; a nil logger means slog.Default().
func NewStore(clock message.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = message.SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*Entry),
		clock:   clock,
		logger:  logger,
	}
}

// AddListener registers a delta listener and returns its handle.
func (s *Store) AddListener(fn Listener) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextListID
	s.nextListID++
	s.listeners = append(s.listeners, registeredListener{id: id, fn: fn})
	return id
}

// RemoveListener drops a listener by handle.
func (s *Store) RemoveListener(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Get returns a copy of the entry at path.
func (s *Store) Get(path string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[path]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Has reports whether path exists.
func (s *Store) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[path]
	return ok
}

// Size returns the number of entries.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Version returns the global mutation counter.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Set applies a write by owner. The first writer of a path becomes
// its owner; a write by anyone else fails with STATE_CONFLICT. A
// write of a structurally equal value to a non-stale entry is
// suppressed: no delta, no version bump. Over a stale entry it is
// applied and clears the stale flag. Returns the delta for an applied
// change, nil when suppressed.
func (s *Store) Set(path string, value any, owner string) (*Delta, error) {
	s.mu.Lock()

	existing, exists := s.entries[path]
	if exists && existing.Owner != owner {
		conflictOwner := existing.Owner
		s.mu.Unlock()
		return nil, errors.Newf(errors.CodeStateConflict,
			"path %s is owned by %s", path, conflictOwner)
	}

	var delta Delta
	if exists {
		if !existing.Stale && valuesEqual(existing.Value, value) {
			s.mu.Unlock()
			return nil, nil
		}
		prev := existing.Version
		existing.Value = value
		existing.Version++
		existing.Stale = false
		existing.UpdatedAt = s.clock().UnixMilli()
		s.version++
		delta = Delta{Path: path, Entry: *existing, PreviousVersion: &prev}
	} else {
		e := &Entry{
			Path:      path,
			Value:     value,
			Owner:     owner,
			Version:   1,
			UpdatedAt: s.clock().UnixMilli(),
		}
		s.entries[path] = e
		s.version++
		delta = Delta{Path: path, Entry: *e}
	}

	s.pending = append(s.pending, delta)
	s.mu.Unlock()

	s.drain()
	return &delta, nil
}

// SetBulk applies updates sequentially with Set semantics. The first
// error stops processing; applied deltas are returned either way.
func (s *Store) SetBulk(updates map[string]any, owner string) ([]*Delta, error) {
	// Deterministic application order
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var deltas []*Delta
	for _, p := range paths {
		d, err := s.Set(p, updates[p], owner)
		if err != nil {
			return deltas, err
		}
		if d != nil {
			deltas = append(deltas, d)
		}
	}
	return deltas, nil
}

// Delete removes an entry after an owner check, emitting a final
// delta with a nil value and an incremented version.
func (s *Store) Delete(path, owner string) error {
	s.mu.Lock()

	existing, exists := s.entries[path]
	if !exists {
		s.mu.Unlock()
		return errors.Newf(errors.CodeInvalidMessage, "path %s does not exist", path)
	}
	if existing.Owner != owner {
		conflictOwner := existing.Owner
		s.mu.Unlock()
		return errors.Newf(errors.CodeStateConflict,
			"path %s is owned by %s", path, conflictOwner)
	}

	s.deleteLocked(existing)
	s.mu.Unlock()

	s.drain()
	return nil
}

// deleteLocked removes an entry and queues its final delta. Caller
// holds mu.
func (s *Store) deleteLocked(e *Entry) {
	prev := e.Version
	final := *e
	final.Value = nil
	final.Version = prev + 1
	final.UpdatedAt = s.clock().UnixMilli()

	delete(s.entries, e.Path)
	s.version++
	s.pending = append(s.pending, Delta{
		Path:            e.Path,
		Entry:           final,
		PreviousVersion: &prev,
		Deleted:         true,
	})
}

// MarkOwnerStale flags all entries owned by owner as stale. Entries
// already stale are untouched. Idempotent.
func (s *Store) MarkOwnerStale(owner string) int {
	return s.setOwnerStale(owner, true)
}

// ClearOwnerStale clears the stale flag on all entries owned by
// owner. Idempotent.
func (s *Store) ClearOwnerStale(owner string) int {
	return s.setOwnerStale(owner, false)
}

func (s *Store) setOwnerStale(owner string, stale bool) int {
	s.mu.Lock()

	flipped := 0
	for _, p := range s.sortedPathsLocked() {
		e := s.entries[p]
		if e.Owner != owner || e.Stale == stale {
			continue
		}
		prev := e.Version
		e.Stale = stale
		e.Version++
		e.UpdatedAt = s.clock().UnixMilli()
		s.version++
		s.pending = append(s.pending, Delta{Path: e.Path, Entry: *e, PreviousVersion: &prev})
		flipped++
	}
	s.mu.Unlock()

	s.drain()
	return flipped
}

// DeleteByOwner removes every entry owned by owner, emitting one
// deletion delta per entry.
func (s *Store) DeleteByOwner(owner string) int {
	s.mu.Lock()

	removed := 0
	for _, p := range s.sortedPathsLocked() {
		e := s.entries[p]
		if e.Owner != owner {
			continue
		}
		s.deleteLocked(e)
		removed++
	}
	s.mu.Unlock()

	s.drain()
	return removed
}

// Clear removes all entries, emitting deletion deltas for each.
func (s *Store) Clear() {
	s.mu.Lock()
	for _, p := range s.sortedPathsLocked() {
		s.deleteLocked(s.entries[p])
	}
	s.mu.Unlock()

	s.drain()
}

// GetMatchingPaths returns all paths matching pattern, sorted.
func (s *Store) GetMatchingPaths(pattern string) []string {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	for p := range s.entries {
		if re.MatchString(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// GetMatchingEntries returns copies of all entries matching pattern,
// in path order.
func (s *Store) GetMatchingEntries(pattern string) []Entry {
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []Entry
	for _, p := range s.sortedPathsLocked() {
		if re.MatchString(p) {
			entries = append(entries, *s.entries[p])
		}
	}
	return entries
}

// GetSnapshotForPattern returns the matching entries keyed by path.
func (s *Store) GetSnapshotForPattern(pattern string) map[string]Entry {
	snap := make(map[string]Entry)
	for _, e := range s.GetMatchingEntries(pattern) {
		snap[e.Path] = e
	}
	return snap
}

// GetSnapshot returns a copy of every entry keyed by path.
func (s *Store) GetSnapshot() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(map[string]Entry, len(s.entries))
	for p, e := range s.entries {
		snap[p] = *e
	}
	return snap
}

// sortedPathsLocked returns entry paths in sorted order. Caller holds
// mu. Deterministic enumeration keeps bulk mutations and snapshots
// reproducible.
func (s *Store) sortedPathsLocked() []string {
	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// drain delivers queued deltas to listeners in order. Only one caller
// drains at a time; re-entrant mutations from inside a listener
// enqueue their deltas and return, and the active drainer picks them
// up, preserving observed order.
func (s *Store) drain() {
	for {
		s.mu.Lock()
		if s.draining || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		s.draining = true
		d := s.pending[0]
		s.pending = s.pending[1:]
		listeners := make([]registeredListener, len(s.listeners))
		copy(listeners, s.listeners)
		s.mu.Unlock()

		for _, l := range listeners {
			s.safeNotify(l.fn, d)
		}

		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}
}

// safeNotify shields delta delivery from listener panics: one bad
// subscriber must not deny others their delta.
func (s *Store) safeNotify(fn Listener, d Delta) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener panicked",
				"path", d.Path, "panic", r)
		}
	}()
	fn(d)
}

// valuesEqual compares primitives directly and composites by
// canonical JSON serialization.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case int:
		bv, ok := b.(int)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	}

	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
