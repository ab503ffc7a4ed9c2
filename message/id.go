package message

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
)

// Clock supplies wall time for ids and timestamps. Tests inject a
// deterministic clock; production code uses SystemClock.
type Clock func() time.Time

// SystemClock reads the system wall clock.
func SystemClock() time.Time { return time.Now() }

// Generator mints time-ordered UUIDv7 message ids from a clock.
//
// Ids minted in the same millisecond compare arbitrarily by their
// random suffix; callers needing a strict per-source order use the
// envelope sequence instead.
type Generator struct {
	clock Clock
}

// NewGenerator creates a Generator. A nil clock means SystemClock.
func NewGenerator(clock Clock) *Generator {
	if clock == nil {
		clock = SystemClock
	}
	return &Generator{clock: clock}
}

// NewID returns a canonical UUIDv7 string for the current clock time.
func (g *Generator) NewID() (string, error) {
	return NewIDAt(g.clock())
}

// NewIDAt builds a UUIDv7 for an explicit instant: 48 bits of unix
// milliseconds, the version nibble 0x7, 74 random bits, and the
// variant bits 10.
func NewIDAt(t time.Time) (string, error) {
	var u uuid.UUID
	if _, err := io.ReadFull(rand.Reader, u[:]); err != nil {
		return "", errors.WrapCode(errors.CodeInternal, err, "Generator", "NewIDAt", "read random bytes")
	}

	ms := uint64(t.UnixMilli()) & 0xFFFF_FFFF_FFFF
	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)

	u[6] = 0x70 | (u[6] & 0x0F) // version 7
	u[8] = 0x80 | (u[8] & 0x3F) // variant 10

	return u.String(), nil
}

// IDTimestamp extracts the millisecond timestamp embedded in a UUIDv7.
func IDTimestamp(id string) (int64, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return 0, errors.WrapCode(errors.CodeInvalidMessage, err, "Generator", "IDTimestamp", "parse id")
	}
	ms := uint64(u[0])<<40 | uint64(u[1])<<32 | uint64(u[2])<<24 |
		uint64(u[3])<<16 | uint64(u[4])<<8 | uint64(u[5])
	return int64(ms), nil
}
