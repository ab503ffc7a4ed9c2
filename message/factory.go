package message

import (
	"log/slog"
)

// Factory mints envelopes with ids, timestamps and per-source
// sequence numbers assigned from one shared clock and sequencer.
// Every originating entity in the process shares one Factory so
// sequence counters stay per-source and monotonic.
type Factory struct {
	gen   *Generator
	seq   *Sequencer
	clock Clock
}

// NewFactory creates a Factory. A nil clock means SystemClock.
func NewFactory(clock Clock) *Factory {
	if clock == nil {
		clock = SystemClock
	}
	return &Factory{
		gen:   NewGenerator(clock),
		seq:   NewSequencer(),
		clock: clock,
	}
}

// Sequencer exposes the shared per-source counters.
func (f *Factory) Sequencer() *Sequencer { return f.seq }

// Now returns the factory clock reading in unix milliseconds.
func (f *Factory) Now() int64 { return f.clock().UnixMilli() }

// New mints an envelope for source with a fresh id, the current
// timestamp, and the source's next sequence number.
func (f *Factory) New(t Type, source string, payload Payload) *Message {
	id, err := f.gen.NewID()
	if err != nil {
		// crypto/rand failure is unrecoverable for id minting; fall
		// back to a nil UUID and surface it loudly in the logs.
		slog.Error("message id generation failed", "error", err)
		id = "00000000-0000-0000-0000-000000000000"
	}
	return &Message{
		ID:        id,
		Type:      t,
		Source:    source,
		Payload:   payload,
		Timestamp: f.clock().UnixMilli(),
		Sequence:  f.seq.Next(source),
	}
}

// NewTargeted mints an envelope addressed at target.
func (f *Factory) NewTargeted(t Type, source, target string, payload Payload) *Message {
	m := f.New(t, source, payload)
	m.Target = target
	return m
}
