package router

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/state"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/subscription"
)

// recorder is a target handler that captures everything routed to it.
type recorder struct {
	mu   sync.Mutex
	msgs []*message.Message
	fail error
}

func (r *recorder) handle(m *message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) all() []*message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*message.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) byType(t message.Type) []*message.Message {
	var out []*message.Message
	for _, m := range r.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func testRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	clock := func() time.Time { return time.UnixMilli(1700000000000) }
	store := state.NewStore(clock, nil)
	subs := subscription.NewManager(clock)
	factory := message.NewFactory(clock)
	r := NewRouter(store, subs, factory, append([]Option{WithClock(clock)}, opts...)...)
	t.Cleanup(r.Shutdown)
	return r
}

func register(t *testing.T, r *Router, id, ns string) *recorder {
	t.Helper()
	rec := &recorder{}
	require.NoError(t, r.RegisterTarget(Target{ID: id, Namespace: ns, Handler: rec.handle}))
	return rec
}

func command(r *Router, source, target, action, key string, params map[string]any) *message.Message {
	m := r.Factory().NewTargeted(message.TypeCommand, source, target, &message.CommandPayload{
		Action: action,
		Params: params,
	})
	m.IdempotencyKey = key
	return m
}

func TestRegisterTargetDuplicateNamespace(t *testing.T) {
	r := testRouter(t)
	register(t, r, "a", "companion")

	err := r.RegisterTarget(Target{ID: "b", Namespace: "companion", Handler: func(*message.Message) error { return nil }})
	require.Error(t, err)
}

func TestPrefixTargetResolution(t *testing.T) {
	r := testRouter(t)
	companion := register(t, r, "companion-id", "companion")
	source := register(t, r, "app-id", "app.panel")

	require.NoError(t, r.Route(command(r, "app.panel", "companion.satellite", "press", "K-prefix",
		map[string]any{"keyIndex": float64(1)})))

	cmds := companion.byType(message.TypeCommand)
	require.Len(t, cmds, 1)
	assert.Equal(t, "companion.satellite", cmds[0].Target)

	// The source got a received ack.
	acks := source.byType(message.TypeAck)
	require.Len(t, acks, 1)
	assert.Equal(t, message.AckReceived, acks[0].Payload.(*message.AckPayload).Status)
}

func TestUnknownTarget(t *testing.T) {
	r := testRouter(t)
	source := register(t, r, "app-id", "app.panel")

	cmd := command(r, "app.panel", "nowhere.at.all", "press", "K-unknown", nil)
	require.NoError(t, r.Route(cmd))

	errs := source.byType(message.TypeError)
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(*message.ErrorPayload)
	assert.Equal(t, string(errors.CodeUnknownTarget), payload.Code)
	assert.Equal(t, cmd.ID, payload.RelatedMessageID)
}

func TestHandlerFailureEmitsAdapterError(t *testing.T) {
	r := testRouter(t)
	source := register(t, r, "app-id", "app.panel")
	broken := register(t, r, "companion-id", "companion")
	broken.fail = fmt.Errorf("wire jammed")

	require.NoError(t, r.Route(command(r, "app.panel", "companion", "press", "K-fail", nil)))

	errs := source.byType(message.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(errors.CodeAdapterError), errs[0].Payload.(*message.ErrorPayload).Code)
	assert.Equal(t, 0, r.Stats().PendingCommands)
}

func TestReceivedPrecedesTerminalAck(t *testing.T) {
	r := testRouter(t)
	source := register(t, r, "app-id", "app.panel")
	adapter := register(t, r, "companion-id", "companion")

	cmd := command(r, "app.panel", "companion", "press", "K-order", nil)
	require.NoError(t, r.Route(cmd))

	// Adapter concludes the command.
	terminal := r.Factory().NewTargeted(message.TypeAck, "companion", "app.panel", &message.AckPayload{
		Status:    message.AckCompleted,
		CommandID: cmd.ID,
	})
	require.NoError(t, r.Route(terminal))

	acks := source.byType(message.TypeAck)
	require.Len(t, acks, 2)
	assert.Equal(t, message.AckReceived, acks[0].Payload.(*message.AckPayload).Status)
	assert.Equal(t, message.AckCompleted, acks[1].Payload.(*message.AckPayload).Status)
	assert.Equal(t, 0, r.Stats().PendingCommands)
	_ = adapter
}

func TestIdempotentCommandCollapses(t *testing.T) {
	r := testRouter(t)
	source := register(t, r, "app-id", "app.panel")
	adapter := register(t, r, "companion-id", "companion")

	cmd := command(r, "app.panel", "companion", "press", "K1", map[string]any{"keyIndex": float64(5)})
	require.NoError(t, r.Route(cmd))
	require.Len(t, adapter.byType(message.TypeCommand), 1)

	// Terminal ack lands and is cached against K1.
	terminal := r.Factory().NewTargeted(message.TypeAck, "companion", "app.panel", &message.AckPayload{
		Status:    message.AckCompleted,
		CommandID: cmd.ID,
	})
	require.NoError(t, r.Route(terminal))

	// Identical retry: no second handler invocation, cached completed
	// ack replayed to the sender.
	retry := cmd.Clone()
	require.NoError(t, r.Route(retry))

	assert.Len(t, adapter.byType(message.TypeCommand), 1)

	var completed []*message.Message
	for _, a := range source.byType(message.TypeAck) {
		if a.Payload.(*message.AckPayload).Status == message.AckCompleted {
			completed = append(completed, a)
		}
	}
	require.Len(t, completed, 2)
	assert.Equal(t, cmd.ID, completed[0].Payload.(*message.AckPayload).CommandID)
	assert.Equal(t, cmd.ID, completed[1].Payload.(*message.AckPayload).CommandID)
}

func TestInFlightIdempotencySuppresses(t *testing.T) {
	r := testRouter(t)
	source := register(t, r, "app-id", "app.panel")
	adapter := register(t, r, "companion-id", "companion")

	cmd := command(r, "app.panel", "companion", "press", "K-flight", nil)
	require.NoError(t, r.Route(cmd))
	require.NoError(t, r.Route(cmd.Clone()))

	// One dispatch, one received ack; the retry produced nothing.
	assert.Len(t, adapter.byType(message.TypeCommand), 1)
	assert.Len(t, source.byType(message.TypeAck), 1)
}

func TestStateWriteAndConflict(t *testing.T) {
	r := testRouter(t)
	appA := register(t, r, "a-id", "app.a")
	appB := register(t, r, "b-id", "app.b")

	write := func(source string, value any) *message.Message {
		m := r.Factory().New(message.TypeState, source, &message.StatePayload{Value: value})
		m.Path = "x.y"
		return m
	}

	require.NoError(t, r.Route(write("app.a", float64(1))))
	require.NoError(t, r.Route(write("app.b", float64(2))))

	errs := appB.byType(message.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(errors.CodeStateConflict), errs[0].Payload.(*message.ErrorPayload).Code)

	entry, ok := r.Store().Get("x.y")
	require.True(t, ok)
	assert.Equal(t, float64(1), entry.Value)
	assert.Equal(t, "app.a", entry.Owner)
	assert.Equal(t, uint64(1), entry.Version)
	assert.Empty(t, appA.byType(message.TypeError))
}

func TestDeltaFanOutSuppressesOwner(t *testing.T) {
	r := testRouter(t)
	appX := register(t, r, "x-id", "app.x")
	appY := register(t, r, "y-id", "app.y")

	subscribe := func(source string, patterns []string) {
		m := r.Factory().New(message.TypeSubscribe, source, &message.SubscribePayload{
			Patterns: patterns,
			Filter:   message.FilterState,
		})
		require.NoError(t, r.Route(m))
	}
	subscribe("app.x", []string{"app.x.**"})
	subscribe("app.y", []string{"app.x.**"})

	write := r.Factory().New(message.TypeState, "app.x", &message.StatePayload{Value: float64(1)})
	write.Path = "app.x.foo"
	require.NoError(t, r.Route(write))

	// The owner sees nothing; the other subscriber sees the delta.
	assert.Empty(t, appX.byType(message.TypeState))
	states := appY.byType(message.TypeState)
	require.Len(t, states, 1)
	assert.Equal(t, "app.x.foo", states[0].Path)
	payload := states[0].Payload.(*message.StatePayload)
	assert.Equal(t, float64(1), payload.Value)
	assert.Equal(t, "app.x", payload.Owner)
}

func TestSnapshotThenDelta(t *testing.T) {
	r := testRouter(t)

	// Preload upstream-owned state.
	_, err := r.Store().Set("companion.variables.tally", "cam1", "companion.satellite")
	require.NoError(t, err)

	client := register(t, r, "client-id", "app.panel")

	sub := r.Factory().New(message.TypeSubscribe, "app.panel", &message.SubscribePayload{
		Patterns: []string{"companion.variables.**"},
	})
	require.NoError(t, r.Route(sub))

	msgs := client.all()
	// completed ack, snapshot state, snapshot_complete event
	require.Len(t, msgs, 3)
	assert.Equal(t, message.TypeAck, msgs[0].Type)
	assert.Equal(t, message.AckCompleted, msgs[0].Payload.(*message.AckPayload).Status)

	assert.Equal(t, message.TypeState, msgs[1].Type)
	assert.Equal(t, "companion.variables.tally", msgs[1].Path)
	assert.Equal(t, "cam1", msgs[1].Payload.(*message.StatePayload).Value)

	assert.Equal(t, message.TypeEvent, msgs[2].Type)
	event := msgs[2].Payload.(*message.EventPayload)
	assert.Equal(t, "snapshot_complete", event.Event)
	assert.Equal(t, SubscriptionEventPath, msgs[2].Path)

	// A later write flows as a delta with the bumped version.
	_, err = r.Store().Set("companion.variables.tally", "cam2", "companion.satellite")
	require.NoError(t, err)

	msgs = client.all()
	require.Len(t, msgs, 4)
	last := msgs[3]
	assert.Equal(t, message.TypeState, last.Type)
	assert.Equal(t, "cam2", last.Payload.(*message.StatePayload).Value)
	assert.Equal(t, uint64(2), last.Payload.(*message.StatePayload).Version)
}

func TestSubscribeWithoutSnapshot(t *testing.T) {
	r := testRouter(t)
	_, err := r.Store().Set("companion.variables.tally", "cam1", "companion.satellite")
	require.NoError(t, err)

	client := register(t, r, "client-id", "app.panel")

	no := false
	sub := r.Factory().New(message.TypeSubscribe, "app.panel", &message.SubscribePayload{
		Patterns: []string{"companion.variables.**"},
		Snapshot: &no,
	})
	require.NoError(t, r.Route(sub))

	msgs := client.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, message.TypeAck, msgs[0].Type)
}

func TestUnsubscribeRemovedCount(t *testing.T) {
	r := testRouter(t)
	client := register(t, r, "client-id", "app.panel")

	no := false
	sub := r.Factory().New(message.TypeSubscribe, "app.panel", &message.SubscribePayload{
		Patterns: []string{"a.**", "b.**"},
		Snapshot: &no,
	})
	require.NoError(t, r.Route(sub))

	unsub := r.Factory().New(message.TypeUnsubscribe, "app.panel", &message.UnsubscribePayload{
		Patterns: []string{"a.**"},
	})
	require.NoError(t, r.Route(unsub))

	acks := client.byType(message.TypeAck)
	require.Len(t, acks, 2)
	result := acks[1].Payload.(*message.AckPayload).Result.(map[string]any)
	assert.Equal(t, 1, result["removedCount"])
	assert.Equal(t, 0, r.Subscriptions().Count())
}

func TestEventFanOutSkipsSource(t *testing.T) {
	r := testRouter(t)
	sender := register(t, r, "s-id", "app.sender")
	listener := register(t, r, "l-id", "app.listener")

	no := false
	for _, src := range []string{"app.sender", "app.listener"} {
		m := r.Factory().New(message.TypeSubscribe, src, &message.SubscribePayload{
			Patterns: []string{"alerts.**"},
			Filter:   message.FilterEvents,
			Snapshot: &no,
		})
		require.NoError(t, r.Route(m))
	}

	event := r.Factory().New(message.TypeEvent, "app.sender", &message.EventPayload{Event: "fired"})
	event.Path = "alerts.zone1"
	require.NoError(t, r.Route(event))

	assert.Empty(t, sender.byType(message.TypeEvent))
	events := listener.byType(message.TypeEvent)
	require.Len(t, events, 1)
	assert.Equal(t, "fired", events[0].Payload.(*message.EventPayload).Event)
}

func TestCommandTTLTimeout(t *testing.T) {
	clock := func() time.Time { return time.Now() }
	store := state.NewStore(clock, nil)
	subs := subscription.NewManager(clock)
	factory := message.NewFactory(clock)
	r := NewRouter(store, subs, factory)
	t.Cleanup(r.Shutdown)

	rec := &recorder{}
	require.NoError(t, r.RegisterTarget(Target{ID: "app-id", Namespace: "app.panel", Handler: rec.handle}))
	require.NoError(t, r.RegisterTarget(Target{ID: "c-id", Namespace: "companion",
		Handler: func(*message.Message) error { return nil }})) // never acks

	cmd := command(r, "app.panel", "companion", "press", "K-ttl", nil)
	ttl := int64(30)
	cmd.TTL = &ttl
	require.NoError(t, r.Route(cmd))

	require.Eventually(t, func() bool {
		for _, a := range rec.byType(message.TypeAck) {
			if a.Payload.(*message.AckPayload).Status == message.AckTimeout {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, r.Stats().PendingCommands)
}

func TestUnregisterTargetRejectsPendingAndDropsSubscriptions(t *testing.T) {
	r := testRouter(t)
	source := register(t, r, "app-id", "app.panel")
	register(t, r, "companion-id", "companion")

	// Subscription owned by the companion target.
	no := false
	sub := r.Factory().New(message.TypeSubscribe, "companion", &message.SubscribePayload{
		Patterns: []string{"app.**"},
		Snapshot: &no,
	})
	require.NoError(t, r.Route(sub))
	require.Equal(t, 1, r.Subscriptions().Count())

	cmd := command(r, "app.panel", "companion", "press", "K-unreg", nil)
	require.NoError(t, r.Route(cmd))
	require.Equal(t, 1, r.Stats().PendingCommands)

	require.NoError(t, r.UnregisterTarget("companion"))

	var failed *message.AckPayload
	for _, a := range source.byType(message.TypeAck) {
		if p := a.Payload.(*message.AckPayload); p.Status == message.AckFailed {
			failed = p
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, cmd.ID, failed.CommandID)
	assert.Contains(t, failed.Error.Message, "target unregistered")
	assert.Equal(t, 0, r.Stats().PendingCommands)
	assert.Equal(t, 0, r.Subscriptions().Count())
}

func TestShutdownRejectsPending(t *testing.T) {
	r := testRouter(t)
	source := register(t, r, "app-id", "app.panel")
	register(t, r, "companion-id", "companion")

	cmd := command(r, "app.panel", "companion", "press", "K-shutdown", nil)
	require.NoError(t, r.Route(cmd))

	r.Shutdown()

	var failed bool
	for _, a := range source.byType(message.TypeAck) {
		if p := a.Payload.(*message.AckPayload); p.Status == message.AckFailed {
			failed = true
			assert.Contains(t, p.Error.Message, "router shutdown")
		}
	}
	assert.True(t, failed)

	// Routing after shutdown is refused.
	err := r.Route(command(r, "app.panel", "companion", "press", "K-late", nil))
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestRejectedAckAcceptedInbound(t *testing.T) {
	r := testRouter(t)
	source := register(t, r, "app-id", "app.panel")
	register(t, r, "companion-id", "companion")

	cmd := command(r, "app.panel", "companion", "press", "K-rejected", nil)
	require.NoError(t, r.Route(cmd))

	rejected := r.Factory().NewTargeted(message.TypeAck, "companion", "app.panel", &message.AckPayload{
		Status:    message.AckRejected,
		CommandID: cmd.ID,
	})
	require.NoError(t, r.Route(rejected))

	assert.Equal(t, 0, r.Stats().PendingCommands)
	var seen bool
	for _, a := range source.byType(message.TypeAck) {
		if a.Payload.(*message.AckPayload).Status == message.AckRejected {
			seen = true
		}
	}
	assert.True(t, seen)
}

func TestReentrantHandler(t *testing.T) {
	r := testRouter(t)

	// A target that writes state synchronously while handling a
	// command, exercising re-entrancy through the store listener.
	require.NoError(t, r.RegisterTarget(Target{
		ID:        "companion-id",
		Namespace: "companion",
		Handler: func(m *message.Message) error {
			if m.Type != message.TypeCommand {
				return nil
			}
			write := r.Factory().New(message.TypeState, "companion.satellite", &message.StatePayload{Value: "ok"})
			write.Path = "companion.connection.state"
			return r.Route(write)
		},
	}))
	watcher := register(t, r, "w-id", "app.watch")

	no := false
	sub := r.Factory().New(message.TypeSubscribe, "app.watch", &message.SubscribePayload{
		Patterns: []string{"companion.**"},
		Filter:   message.FilterState,
		Snapshot: &no,
	})
	require.NoError(t, r.Route(sub))

	require.NoError(t, r.Route(command(r, "app.watch", "companion", "press", "K-reent", nil)))

	states := watcher.byType(message.TypeState)
	require.Len(t, states, 1)
	assert.Equal(t, "companion.connection.state", states[0].Path)
}

func TestStatsSnapshot(t *testing.T) {
	r := testRouter(t)
	register(t, r, "a-id", "app.a")

	_, err := r.Store().Set("a.b", 1, "app.a")
	require.NoError(t, err)

	s := r.Stats()
	assert.Equal(t, 1, s.Targets)
	assert.Equal(t, 1, s.StateEntries)
	assert.Equal(t, uint64(1), s.StateVersion)
}
