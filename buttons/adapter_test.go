package buttons

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/router"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/state"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/subscription"
)

func TestPlaceholderDeclinesCommands(t *testing.T) {
	store := state.NewStore(nil, nil)
	subs := subscription.NewManager(nil)
	factory := message.NewFactory(nil)
	rt := router.NewRouter(store, subs, factory)
	t.Cleanup(rt.Shutdown)

	adapter := NewAdapter(rt, nil)
	require.NoError(t, adapter.Start(context.Background()))
	t.Cleanup(func() { _ = adapter.Stop(0) })

	var mu sync.Mutex
	var acks []*message.AckPayload
	require.NoError(t, rt.RegisterTarget(router.Target{
		ID:        "client-id",
		Namespace: "app.panel",
		Handler: func(m *message.Message) error {
			if m.Type == message.TypeAck {
				mu.Lock()
				acks = append(acks, m.Payload.(*message.AckPayload))
				mu.Unlock()
			}
			return nil
		},
	}))

	cmd := factory.NewTargeted(message.TypeCommand, "app.panel", "buttons", &message.CommandPayload{
		Action: "press",
	})
	cmd.IdempotencyKey = "K-buttons"
	require.NoError(t, rt.Route(cmd))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, acks, 2)
	assert.Equal(t, message.AckReceived, acks[0].Status)
	assert.Equal(t, message.AckFailed, acks[1].Status)
	assert.Equal(t, "buttons adapter not implemented", acks[1].Error.Message)
}
