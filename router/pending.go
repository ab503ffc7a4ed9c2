package router

import (
	"time"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
)

// pendingCommand tracks a dispatched command until its terminal ack
// arrives, its TTL fires, or its target goes away.
type pendingCommand struct {
	msg       *message.Message
	targetNS  string // namespace the command was dispatched to
	sentAt    time.Time
	timer     *time.Timer // nil when the command carried no TTL
	done      chan *message.Message
	completed bool
}

// newPendingCommand creates the tracking record. done is buffered so
// resolution never blocks on an absent waiter.
func newPendingCommand(msg *message.Message, targetNS string, sentAt time.Time) *pendingCommand {
	return &pendingCommand{
		msg:      msg,
		targetNS: targetNS,
		sentAt:   sentAt,
		done:     make(chan *message.Message, 1),
	}
}

// resolve feeds the terminal ack to any waiter. Caller holds the
// router mutex; the first resolution wins.
func (p *pendingCommand) resolve(ack *message.Message) {
	if p.completed {
		return
	}
	p.completed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- ack
}

// Await exposes the terminal ack channel for callers that want to
// block on command completion.
func (p *pendingCommand) Await() <-chan *message.Message {
	return p.done
}
