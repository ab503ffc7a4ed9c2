package router

import (
	"time"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/pkg/cache"
)

// Idempotency cache defaults.
const (
	DefaultIdempotencyTTL = 60 * time.Second
	idempotencySweepEvery = 10 * time.Second
)

// idemRecord is one idempotency-key observation. terminal is nil
// while the command is in flight and carries the terminal ack once
// the command concludes.
type idemRecord struct {
	terminal *message.Message
}

// idempotencyCache collapses command retries that share a key within
// the TTL. Records persist for twice the TTL before the sweep drops
// them; the cache is bounded by time, never by size.
type idempotencyCache struct {
	ttl *cache.TTL[*idemRecord]
}

func newIdempotencyCache(ttl time.Duration, clock message.Clock) *idempotencyCache {
	now := func() time.Time { return clock() }
	return &idempotencyCache{
		ttl: cache.NewTTL[*idemRecord](ttl, idempotencySweepEvery,
			cache.WithClock[*idemRecord](now)),
	}
}

// lookup returns the record for key if it is still fresh.
func (c *idempotencyCache) lookup(key string) (*idemRecord, bool) {
	return c.ttl.Get(key)
}

// markInFlight records that a command with key is executing.
func (c *idempotencyCache) markInFlight(key string) {
	c.ttl.Set(key, &idemRecord{})
}

// storeTerminal attaches the terminal ack to an in-flight record.
func (c *idempotencyCache) storeTerminal(key string, ack *message.Message) {
	if !c.ttl.Update(key, &idemRecord{terminal: ack}) {
		// The in-flight marker aged out before the ack arrived; store
		// fresh so late retries still collapse.
		c.ttl.Set(key, &idemRecord{terminal: ack})
	}
}

// clearInFlight removes a marker that never reached a terminal ack,
// so a retry after a handler failure re-executes.
func (c *idempotencyCache) clearInFlight(key string) {
	if rec, ok := c.ttl.Get(key); ok && rec.terminal == nil {
		c.ttl.Delete(key)
	}
}

func (c *idempotencyCache) size() int { return c.ttl.Size() }

func (c *idempotencyCache) clear() { c.ttl.Clear() }

func (c *idempotencyCache) close() { c.ttl.Close() }
