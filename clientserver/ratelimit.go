package clientserver

import (
	"sync"
	"time"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
)

// fixedWindow is a per-client message-count rate limiter. The counter
// resets every window; a message landing on a full window is refused.
type fixedWindow struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
	clock       message.Clock
}

func newFixedWindow(limit int, window time.Duration, clock message.Clock) *fixedWindow {
	if clock == nil {
		clock = message.SystemClock
	}
	return &fixedWindow{
		limit:  limit,
		window: window,
		clock:  clock,
	}
}

// Allow records one message and reports whether it fits the current
// window.
func (f *fixedWindow) Allow() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock()
	if f.windowStart.IsZero() || now.Sub(f.windowStart) >= f.window {
		f.windowStart = now
		f.count = 0
	}

	if f.count >= f.limit {
		return false
	}
	f.count++
	return true
}
