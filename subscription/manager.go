// Package subscription tracks which clients want which state paths
// and events. Patterns compile once at subscription time; the match
// path never recompiles.
package subscription

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/state"
)

// Subscription is one client's registered interest.
type Subscription struct {
	ID        string
	ClientID  string
	Patterns  []string
	compiled  []*regexp.Regexp // compiled[i] corresponds to Patterns[i]
	Filter    message.Filter
	Snapshot  bool
	snapSent  bool
	CreatedAt int64 // unix milliseconds
}

// SnapshotSent reports whether the initial snapshot was delivered.
func (s *Subscription) SnapshotSent() bool { return s.snapSent }

// Match pairs a subscription with the first of its patterns that
// matched a path.
type Match struct {
	Subscription *Subscription
	Pattern      string
}

// Manager is the concurrency-safe subscription registry, indexed by
// subscription id and by client id.
type Manager struct {
	mu       sync.RWMutex
	byID     map[string]*Subscription
	byClient map[string]map[string]struct{} // clientID -> set of subscription ids
	nextID   uint64
	clock    message.Clock
}

// NewManager creates an empty Manager. A nil clock means the system
// clock.
func NewManager(clock message.Clock) *Manager {
	if clock == nil {
		clock = message.SystemClock
	}
	return &Manager{
		byID:     make(map[string]*Subscription),
		byClient: make(map[string]map[string]struct{}),
		clock:    clock,
	}
}

// Subscribe registers patterns for a client, compiling each pattern
// exactly once. Fails with SUBSCRIPTION_FAILED when the pattern list
// is empty or a pattern does not compile.
func (m *Manager) Subscribe(
	clientID string, patterns []string, filter message.Filter, snapshot bool,
) (*Subscription, error) {
	if len(patterns) == 0 {
		return nil, errors.New(errors.CodeSubscriptionFailed, "no patterns given")
	}
	if filter == "" {
		filter = message.FilterAll
	}
	if !filter.Valid() {
		return nil, errors.Newf(errors.CodeSubscriptionFailed, "unknown filter %q", filter)
	}

	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := state.CompilePattern(p)
		if err != nil {
			return nil, errors.WrapCode(errors.CodeSubscriptionFailed, err,
				"Manager", "Subscribe", fmt.Sprintf("compile pattern %q", p))
		}
		compiled[i] = re
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := &Subscription{
		ID:        fmt.Sprintf("sub-%d", m.nextID),
		ClientID:  clientID,
		Patterns:  append([]string(nil), patterns...),
		compiled:  compiled,
		Filter:    filter,
		Snapshot:  snapshot,
		CreatedAt: m.clock().UnixMilli(),
	}
	m.byID[sub.ID] = sub

	ids, ok := m.byClient[clientID]
	if !ok {
		ids = make(map[string]struct{})
		m.byClient[clientID] = ids
	}
	ids[sub.ID] = struct{}{}

	return sub, nil
}

// Unsubscribe removes a subscription by id.
func (m *Manager) Unsubscribe(subscriptionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(subscriptionID)
}

// UnsubscribePatterns removes every subscription of the client that
// carries any of the given pattern strings (exact string match).
// Returns the number of subscriptions removed.
func (m *Manager) UnsubscribePatterns(clientID string, patterns []string) int {
	wanted := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		wanted[p] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id := range m.byClient[clientID] {
		sub := m.byID[id]
		if sub == nil {
			continue
		}
		for _, p := range sub.Patterns {
			if _, hit := wanted[p]; hit {
				if m.removeLocked(id) {
					removed++
				}
				break
			}
		}
	}
	return removed
}

// UnsubscribeClient removes every subscription of the client.
func (m *Manager) UnsubscribeClient(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id := range m.byClient[clientID] {
		if m.removeLocked(id) {
			removed++
		}
	}
	return removed
}

func (m *Manager) removeLocked(subscriptionID string) bool {
	sub, ok := m.byID[subscriptionID]
	if !ok {
		return false
	}
	delete(m.byID, subscriptionID)

	if ids, ok := m.byClient[sub.ClientID]; ok {
		delete(ids, subscriptionID)
		if len(ids) == 0 {
			delete(m.byClient, sub.ClientID)
		}
	}
	return true
}

// Get returns a subscription by id.
func (m *Manager) Get(subscriptionID string) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byID[subscriptionID]
	return sub, ok
}

// ForClient returns the ids of a client's subscriptions.
func (m *Manager) ForClient(clientID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.byClient[clientID]))
	for id := range m.byClient[clientID] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// GetMatching returns every subscription whose filter admits kind and
// whose patterns match path, each paired with the first pattern that
// matched. Each subscription appears at most once.
func (m *Manager) GetMatching(path string, kind message.Type) []Match {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Match
	for _, sub := range m.byID {
		if !sub.Filter.Admits(kind) {
			continue
		}
		for i, re := range sub.compiled {
			if re.MatchString(path) {
				matches = append(matches, Match{Subscription: sub, Pattern: sub.Patterns[i]})
				break
			}
		}
	}
	return matches
}

// MarkSnapshotSent records that the initial snapshot was delivered.
func (m *Manager) MarkSnapshotSent(subscriptionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.byID[subscriptionID]
	if !ok {
		return false
	}
	sub.snapSent = true
	return true
}
