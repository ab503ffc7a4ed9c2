package router

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/state"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/subscription"
)

// SourceHub is the namespace the router emits under.
const SourceHub = "hub.core"

// Observer receives routing telemetry. Implementations must be cheap
// and non-blocking; the metric package provides one.
type Observer interface {
	MessageRouted(kind string)
	CommandConcluded(status string, seconds float64)
}

// noopObserver is the default Observer.
type noopObserver struct{}

func (noopObserver) MessageRouted(string)            {}
func (noopObserver) CommandConcluded(string, float64) {}

// SubscriptionEventPath is the path of subscription lifecycle events.
const SubscriptionEventPath = "hub.subscriptions"

// Router is the central hub tying the store, the subscription
// registry and the addressable targets together.
type Router struct {
	store    *state.Store
	subs     *subscription.Manager
	factory  *message.Factory
	logger   *slog.Logger
	clock    message.Clock
	observer Observer

	mu          sync.RWMutex
	targetsByNS map[string]Target
	targetsByID map[string]Target
	pending     map[string]*pendingCommand
	closed      bool

	idemEnabled bool
	idemTTL     time.Duration
	idem        *idempotencyCache

	listenerID int
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock injects a time source.
func WithClock(c message.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithIdempotencyTTL overrides the idempotency freshness window.
func WithIdempotencyTTL(d time.Duration) Option {
	return func(r *Router) { r.idemTTL = d }
}

// WithoutIdempotency disables retry collapsing entirely.
func WithoutIdempotency() Option {
	return func(r *Router) { r.idemEnabled = false }
}

// WithObserver attaches routing telemetry.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

// NewRouter creates a Router and installs its delta listener on the
// store.
func NewRouter(store *state.Store, subs *subscription.Manager, factory *message.Factory, opts ...Option) *Router {
	r := &Router{
		store:       store,
		subs:        subs,
		factory:     factory,
		logger:      slog.Default(),
		clock:       message.SystemClock,
		observer:    noopObserver{},
		targetsByNS: make(map[string]Target),
		targetsByID: make(map[string]Target),
		pending:     make(map[string]*pendingCommand),
		idemEnabled: true,
		idemTTL:     DefaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.idemEnabled {
		r.idem = newIdempotencyCache(r.idemTTL, r.clock)
	}
	r.listenerID = store.AddListener(r.onDelta)
	return r
}

// Store returns the router's state store.
func (r *Router) Store() *state.Store { return r.store }

// Subscriptions returns the router's subscription manager.
func (r *Router) Subscriptions() *subscription.Manager { return r.subs }

// Factory returns the shared message factory.
func (r *Router) Factory() *message.Factory { return r.factory }

// RegisterTarget binds a target to its namespace. Binding an already
// bound namespace is a programmer error and fails loudly.
func (r *Router) RegisterTarget(t Target) error {
	if err := message.ValidateNamespace(t.Namespace); err != nil {
		return errors.WrapCode(errors.CodeInvalidMessage, err, "Router", "RegisterTarget", "validate namespace")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.ErrShuttingDown
	}
	if _, bound := r.targetsByNS[t.Namespace]; bound {
		return errors.Newf(errors.CodeInternal, "namespace %s already has a target", t.Namespace)
	}
	r.targetsByNS[t.Namespace] = t
	r.targetsByID[t.ID] = t
	return nil
}

// UnregisterTarget removes the target bound to namespace, rejects
// every pending command dispatched to it, and drops the target's
// subscriptions.
func (r *Router) UnregisterTarget(namespace string) error {
	r.mu.Lock()
	t, ok := r.targetsByNS[namespace]
	if !ok {
		r.mu.Unlock()
		return errors.Newf(errors.CodeUnknownTarget, "no target at namespace %s", namespace)
	}
	delete(r.targetsByNS, namespace)
	delete(r.targetsByID, t.ID)

	rejected := r.rejectPendingLocked(func(p *pendingCommand) bool {
		return p.targetNS == namespace
	}, errors.CodeUnknownTarget, "target unregistered")
	r.mu.Unlock()

	for _, rj := range rejected {
		r.deliverToNamespace(rj.msg.Source, rj.ack)
	}

	r.subs.UnsubscribeClient(t.ID)
	return nil
}

// rejection pairs a rejected pending command with its synthesized
// terminal ack.
type rejection struct {
	msg *message.Message
	ack *message.Message
}

// rejectPendingLocked resolves matching pending commands with a
// failed ack carrying reason. Caller holds mu and delivers the
// returned acks after release.
func (r *Router) rejectPendingLocked(match func(*pendingCommand) bool, code errors.Code, reason string) []rejection {
	var out []rejection
	for id, p := range r.pending {
		if !match(p) {
			continue
		}
		delete(r.pending, id)
		ack := r.factory.NewTargeted(message.TypeAck, SourceHub, p.msg.Source, &message.AckPayload{
			Status:    message.AckFailed,
			CommandID: p.msg.ID,
			Error:     &message.ErrorDetail{Code: string(code), Message: reason},
		})
		ack.CorrelationID = p.msg.ID
		p.resolve(ack)
		out = append(out, rejection{msg: p.msg, ack: ack})
	}
	return out
}

// findTarget resolves a namespace to a target: exact match first,
// then successive dot-trimmed prefixes.
func (r *Router) findTarget(namespace string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findTargetLocked(namespace)
}

func (r *Router) findTargetLocked(namespace string) (Target, bool) {
	ns := namespace
	for {
		if t, ok := r.targetsByNS[ns]; ok {
			return t, true
		}
		idx := strings.LastIndexByte(ns, '.')
		if idx < 0 {
			return Target{}, false
		}
		ns = ns[:idx]
	}
}

// Route dispatches one validated message by type.
func (r *Router) Route(m *message.Message) error {
	if m == nil {
		return errors.Invalid("message", "message is nil")
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return errors.ErrShuttingDown
	}
	if err := m.Validate(); err != nil {
		return err
	}
	r.observer.MessageRouted(string(m.Type))

	switch m.Type {
	case message.TypeCommand:
		r.routeCommand(m)
	case message.TypeEvent:
		r.routeEvent(m)
	case message.TypeState:
		r.routeState(m)
	case message.TypeAck:
		r.routeAck(m)
	case message.TypeError:
		if m.Target != "" {
			r.deliverToNamespace(m.Target, m)
		}
	case message.TypeSubscribe:
		r.routeSubscribe(m)
	case message.TypeUnsubscribe:
		r.routeUnsubscribe(m)
	}
	return nil
}

func (r *Router) routeCommand(m *message.Message) {
	if r.idemEnabled && m.IdempotencyKey != "" {
		if rec, hit := r.idem.lookup(m.IdempotencyKey); hit {
			if rec.terminal != nil {
				// Replay the cached terminal ack to whoever retried.
				replay := rec.terminal.Clone()
				replay.Target = m.Source
				r.deliverToNamespace(m.Source, replay)
			}
			// In-flight: suppress the duplicate dispatch entirely;
			// the terminal ack will reach the source when it lands.
			return
		}
	}

	target, ok := r.findTarget(m.Target)
	if !ok {
		r.emitError(m.Source, errors.CodeUnknownTarget,
			"no target for namespace "+m.Target, m.ID)
		return
	}

	p := newPendingCommand(m, target.Namespace, r.clock())
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.pending[m.ID] = p
	if m.TTL != nil {
		ttl := time.Duration(*m.TTL) * time.Millisecond
		p.timer = time.AfterFunc(ttl, func() { r.expireCommand(m.ID) })
	}
	r.mu.Unlock()

	// The marker goes in before the handler runs: a handler may
	// conclude the command synchronously, and the terminal ack must
	// land on an existing record.
	if r.idemEnabled && m.IdempotencyKey != "" {
		r.idem.markInFlight(m.IdempotencyKey)
	}

	received := r.factory.NewTargeted(message.TypeAck, SourceHub, m.Source, &message.AckPayload{
		Status:    message.AckReceived,
		CommandID: m.ID,
	})
	received.CorrelationID = m.ID
	r.deliverToNamespace(m.Source, received)

	if err := r.safeHandle(target, m); err != nil {
		r.mu.Lock()
		if pend, still := r.pending[m.ID]; still {
			delete(r.pending, m.ID)
			if pend.timer != nil {
				pend.timer.Stop()
			}
		}
		r.mu.Unlock()
		if r.idemEnabled && m.IdempotencyKey != "" {
			r.idem.clearInFlight(m.IdempotencyKey)
		}
		r.emitError(m.Source, errors.CodeAdapterError, err.Error(), m.ID)
		return
	}
}

// expireCommand fires when a pending command's TTL elapses.
func (r *Router) expireCommand(id string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok || p.completed {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)

	ack := r.factory.NewTargeted(message.TypeAck, SourceHub, p.msg.Source, &message.AckPayload{
		Status:    message.AckTimeout,
		CommandID: p.msg.ID,
		Error:     &message.ErrorDetail{Code: string(errors.CodeTimeout), Message: "command ttl expired"},
	})
	ack.CorrelationID = p.msg.ID
	p.resolve(ack)
	key := p.msg.IdempotencyKey
	r.mu.Unlock()

	if r.idemEnabled && key != "" {
		r.idem.storeTerminal(key, ack)
	}
	r.deliverToNamespace(p.msg.Source, ack)
}

func (r *Router) routeEvent(m *message.Message) {
	for _, match := range r.subs.GetMatching(m.Path, message.TypeEvent) {
		target, ok := r.targetByID(match.Subscription.ClientID)
		if !ok || target.Namespace == m.Source {
			continue
		}
		r.deliver(target, m.Clone())
	}
}

func (r *Router) routeState(m *message.Message) {
	payload := m.Payload.(*message.StatePayload)
	if _, err := r.store.Set(m.Path, payload.Value, m.Source); err != nil {
		r.emitError(m.Source, errors.CodeOf(err), err.Error(), m.ID)
	}
	// Fan-out happens in onDelta via the store listener.
}

func (r *Router) routeAck(m *message.Message) {
	payload := m.Payload.(*message.AckPayload)

	var key string
	if payload.Status.Terminal() {
		r.mu.Lock()
		if p, ok := r.pending[payload.CommandID]; ok {
			delete(r.pending, payload.CommandID)
			p.resolve(m)
			key = p.msg.IdempotencyKey
			r.observer.CommandConcluded(string(payload.Status), r.clock().Sub(p.sentAt).Seconds())
		}
		r.mu.Unlock()
	}

	if r.idemEnabled && key != "" {
		r.idem.storeTerminal(key, m)
	}

	r.deliverToNamespace(m.Target, m)
}

func (r *Router) routeSubscribe(m *message.Message) {
	payload := m.Payload.(*message.SubscribePayload)

	clientID := m.Source
	if t, ok := r.findTarget(m.Source); ok {
		clientID = t.ID
	}

	sub, err := r.subs.Subscribe(clientID, payload.Patterns, payload.EffectiveFilter(), payload.WantsSnapshot())
	if err != nil {
		r.emitError(m.Source, errors.CodeSubscriptionFailed, err.Error(), m.ID)
		return
	}

	ack := r.factory.NewTargeted(message.TypeAck, SourceHub, m.Source, &message.AckPayload{
		Status:    message.AckCompleted,
		CommandID: m.ID,
		Result:    map[string]any{"subscriptionId": sub.ID},
	})
	ack.CorrelationID = m.ID
	r.deliverToNamespace(m.Source, ack)

	if !sub.Snapshot {
		return
	}

	// The snapshot is taken per pattern at this instant; later writes
	// flow as ordinary deltas behind it.
	for _, pattern := range sub.Patterns {
		for _, entry := range r.store.GetMatchingEntries(pattern) {
			r.deliverToNamespace(m.Source, r.stateMessage(entry, false))
		}
	}

	complete := r.factory.New(message.TypeEvent, SourceHub, &message.EventPayload{
		Event: "snapshot_complete",
		Data:  map[string]any{"subscriptionId": sub.ID},
	})
	complete.Path = SubscriptionEventPath
	r.deliverToNamespace(m.Source, complete)

	r.subs.MarkSnapshotSent(sub.ID)
}

func (r *Router) routeUnsubscribe(m *message.Message) {
	payload := m.Payload.(*message.UnsubscribePayload)

	clientID := m.Source
	if t, ok := r.findTarget(m.Source); ok {
		clientID = t.ID
	}
	removed := r.subs.UnsubscribePatterns(clientID, payload.Patterns)

	ack := r.factory.NewTargeted(message.TypeAck, SourceHub, m.Source, &message.AckPayload{
		Status:    message.AckCompleted,
		CommandID: m.ID,
		Result:    map[string]any{"removedCount": removed},
	})
	ack.CorrelationID = m.ID
	r.deliverToNamespace(m.Source, ack)
}

// onDelta fans a state delta out to matching subscribers, skipping
// the owning namespace.
func (r *Router) onDelta(d state.Delta) {
	for _, match := range r.subs.GetMatching(d.Path, message.TypeState) {
		target, ok := r.targetByID(match.Subscription.ClientID)
		if !ok || target.Namespace == d.Entry.Owner {
			continue
		}
		r.deliver(target, r.stateMessage(d.Entry, d.Deleted))
	}
}

// stateMessage builds an outbound state message from an entry.
func (r *Router) stateMessage(e state.Entry, deleted bool) *message.Message {
	stale := e.Stale
	payload := &message.StatePayload{
		Value:   e.Value,
		Stale:   &stale,
		Owner:   e.Owner,
		Version: e.Version,
	}
	if deleted {
		payload.Value = nil
	}
	m := r.factory.New(message.TypeState, SourceHub, payload)
	m.Path = e.Path
	return m
}

// Shutdown cancels the idempotency sweep, rejects all pending
// commands and clears caches. Subscriptions survive; targets own
// their lifecycle.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	rejected := r.rejectPendingLocked(func(*pendingCommand) bool { return true },
		errors.CodeInternal, "router shutdown")
	r.mu.Unlock()

	for _, rj := range rejected {
		r.deliverToNamespace(rj.msg.Source, rj.ack)
	}

	r.store.RemoveListener(r.listenerID)
	if r.idem != nil {
		r.idem.clear()
		r.idem.close()
	}
}

// Stats is a point-in-time view of router occupancy.
type Stats struct {
	Targets            int    `json:"targets"`
	PendingCommands    int    `json:"pendingCommands"`
	IdempotencyRecords int    `json:"idempotencyRecords"`
	Subscriptions      int    `json:"subscriptions"`
	StateEntries       int    `json:"stateEntries"`
	StateVersion       uint64 `json:"stateVersion"`
}

// Stats returns current router occupancy for health and the GUI.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	targets := len(r.targetsByNS)
	pending := len(r.pending)
	r.mu.RUnlock()

	idemSize := 0
	if r.idem != nil {
		idemSize = r.idem.size()
	}

	return Stats{
		Targets:            targets,
		PendingCommands:    pending,
		IdempotencyRecords: idemSize,
		Subscriptions:      r.subs.Count(),
		StateEntries:       r.store.Size(),
		StateVersion:       r.store.Version(),
	}
}

func (r *Router) targetByID(id string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targetsByID[id]
	return t, ok
}

// deliverToNamespace routes a message to the target resolved from ns.
// Undeliverable messages are logged and dropped.
func (r *Router) deliverToNamespace(ns string, m *message.Message) {
	if ns == "" {
		return
	}
	target, ok := r.findTarget(ns)
	if !ok {
		r.logger.Debug("no target for delivery", "namespace", ns, "type", m.Type)
		return
	}
	r.deliver(target, m)
}

// deliver invokes a handler outside all router locks, logging
// failures without propagating them.
func (r *Router) deliver(t Target, m *message.Message) {
	if err := r.safeHandle(t, m); err != nil {
		r.logger.Warn("target handler failed",
			"namespace", t.Namespace, "type", m.Type, "error", err)
	}
}

// safeHandle shields the router from handler panics.
func (r *Router) safeHandle(t Target, m *message.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf(errors.CodeAdapterError, "handler panic: %v", rec)
		}
	}()
	return t.Handler(m)
}

// emitError sends an error message to the namespace that caused it.
func (r *Router) emitError(to string, code errors.Code, text, relatedID string) {
	errMsg := r.factory.NewTargeted(message.TypeError, SourceHub, to, &message.ErrorPayload{
		Code:             string(code),
		Message:          text,
		RelatedMessageID: relatedID,
	})
	errMsg.CorrelationID = relatedID
	r.deliverToNamespace(to, errMsg)
}
