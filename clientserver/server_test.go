package clientserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/router"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/state"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/subscription"
)

func startServer(t *testing.T, mutate func(*Config)) (*Server, *router.Router, string) {
	t.Helper()

	store := state.NewStore(nil, nil)
	subs := subscription.NewManager(nil)
	factory := message.NewFactory(nil)
	rt := router.NewRouter(store, subs, factory)
	t.Cleanup(rt.Shutdown)

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.HandshakeTimeout = 500 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(cfg, rt)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(2 * time.Second) })

	return srv, rt, "ws://" + srv.Addr().String() + "/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func shake(t *testing.T, conn *websocket.Conn, name, token string) handshakeResponse {
	t.Helper()
	require.NoError(t, conn.WriteJSON(handshakeRequest{
		Type:      frameHandshake,
		Name:      name,
		Version:   "1.0.0",
		AuthToken: token,
	}))

	var resp handshakeResponse
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, frameHandshakeResponse, resp.Type)
	return resp
}

// readBridge reads frames until a bridge envelope arrives, skipping
// control frames.
func readBridge(t *testing.T, conn *websocket.Conn) *message.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var probe controlProbe
		require.NoError(t, json.Unmarshal(data, &probe))
		switch probe.Type {
		case framePing, framePong, frameHandshakeResponse:
			continue
		}

		m, err := message.Decode(data)
		require.NoError(t, err)
		return m
	}
}

// expectClose reads until the connection closes and returns the code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return ce.Code
	}
}

func TestHandshakeAssignsNamespace(t *testing.T) {
	srv, _, url := startServer(t, nil)

	conn := dial(t, url)
	resp := shake(t, conn, "My Panel!", "")

	assert.True(t, resp.Success)
	assert.Equal(t, "app.my_panel", resp.Namespace)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "0.1.0", resp.ServerVersion)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestHandshakeDuplicateNameSuffixed(t *testing.T) {
	_, _, url := startServer(t, nil)

	first := shake(t, dial(t, url), "panel", "")
	second := shake(t, dial(t, url), "panel", "")

	assert.Equal(t, "app.panel", first.Namespace)
	assert.Equal(t, "app.panel_2", second.Namespace)
}

func TestHandshakeTimeout(t *testing.T) {
	_, _, url := startServer(t, func(c *Config) {
		c.HandshakeTimeout = 100 * time.Millisecond
	})

	conn := dial(t, url)
	assert.Equal(t, CloseHandshakeTimeout, expectClose(t, conn))
}

func TestFirstMessageNotHandshake(t *testing.T) {
	_, _, url := startServer(t, nil)

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "pong"}))
	assert.Equal(t, CloseNotHandshake, expectClose(t, conn))
}

func TestInvalidHandshakeJSON(t *testing.T) {
	_, _, url := startServer(t, nil)

	conn := dial(t, url)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, CloseBadHandshake, expectClose(t, conn))
}

func TestAuthFailure(t *testing.T) {
	_, _, url := startServer(t, func(c *Config) {
		c.RequireAuth = true
		c.AuthTokens = []string{"secret-token"}
	})

	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(handshakeRequest{
		Type: frameHandshake, Name: "panel", Version: "1.0.0", AuthToken: "wrong",
	}))

	var resp handshakeResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, CloseAuthFailed, expectClose(t, conn))
}

func TestAuthSuccess(t *testing.T) {
	_, _, url := startServer(t, func(c *Config) {
		c.RequireAuth = true
		c.AuthTokens = []string{"secret-token"}
	})

	resp := shake(t, dial(t, url), "panel", "secret-token")
	assert.True(t, resp.Success)
}

func TestMaxClients(t *testing.T) {
	_, _, url := startServer(t, func(c *Config) {
		c.MaxClients = 1
	})

	shake(t, dial(t, url), "one", "")

	second := dial(t, url)
	assert.Equal(t, CloseMaxClients, expectClose(t, second))
}

func TestIdleTimeout(t *testing.T) {
	_, _, url := startServer(t, func(c *Config) {
		c.IdleTimeout = 150 * time.Millisecond
	})

	conn := dial(t, url)
	shake(t, conn, "sleepy", "")
	assert.Equal(t, CloseIdleTimeout, expectClose(t, conn))
}

func TestStateWriteAndSourceOverride(t *testing.T) {
	_, rt, url := startServer(t, nil)

	conn := dial(t, url)
	shake(t, conn, "panel", "")

	// The client claims a foreign source; the transport rewrites it.
	factory := message.NewFactory(nil)
	m := factory.New(message.TypeState, "app.someone_else", &message.StatePayload{Value: "x"})
	m.Path = "app.panel.foo"
	data, err := message.Encode(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		e, ok := rt.Store().Get("app.panel.foo")
		return ok && e.Owner == "app.panel"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeSnapshotRoundTrip(t *testing.T) {
	_, rt, url := startServer(t, nil)

	_, err := rt.Store().Set("companion.variables.tally", "cam1", "companion.satellite")
	require.NoError(t, err)

	conn := dial(t, url)
	shake(t, conn, "panel", "")

	factory := message.NewFactory(nil)
	sub := factory.New(message.TypeSubscribe, "app.panel", &message.SubscribePayload{
		Patterns: []string{"companion.variables.**"},
	})
	data, err := message.Encode(sub)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	first := readBridge(t, conn)
	require.Equal(t, message.TypeAck, first.Type)
	assert.Equal(t, message.AckCompleted, first.Payload.(*message.AckPayload).Status)

	second := readBridge(t, conn)
	require.Equal(t, message.TypeState, second.Type)
	assert.Equal(t, "companion.variables.tally", second.Path)
	assert.Equal(t, "cam1", second.Payload.(*message.StatePayload).Value)

	third := readBridge(t, conn)
	require.Equal(t, message.TypeEvent, third.Type)
	assert.Equal(t, "snapshot_complete", third.Payload.(*message.EventPayload).Event)

	// A later write arrives as a live delta.
	_, err = rt.Store().Set("companion.variables.tally", "cam2", "companion.satellite")
	require.NoError(t, err)

	fourth := readBridge(t, conn)
	require.Equal(t, message.TypeState, fourth.Type)
	assert.Equal(t, "cam2", fourth.Payload.(*message.StatePayload).Value)
}

func TestInvalidEnvelopeGetsError(t *testing.T) {
	_, _, url := startServer(t, nil)

	conn := dial(t, url)
	shake(t, conn, "panel", "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"state","source":"app.panel","payload":{"value":1}}`)))

	m := readBridge(t, conn)
	require.Equal(t, message.TypeError, m.Type)
	assert.Equal(t, "INVALID_MESSAGE", m.Payload.(*message.ErrorPayload).Code)
}

func TestRateLimit(t *testing.T) {
	_, _, url := startServer(t, func(c *Config) {
		c.RateLimit = 2
		c.RateLimitWindow = time.Hour
	})

	conn := dial(t, url)
	shake(t, conn, "chatty", "")

	factory := message.NewFactory(nil)
	for i := 0; i < 3; i++ {
		m := factory.New(message.TypeState, "app.chatty", &message.StatePayload{Value: i})
		m.Path = "app.chatty.counter"
		data, err := message.Encode(m)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}

	// The third message breaches the window and bounces.
	for {
		m := readBridge(t, conn)
		if m.Type == message.TypeError {
			assert.Equal(t, "RATE_LIMITED", m.Payload.(*message.ErrorPayload).Code)
			return
		}
	}
}

func TestServerShutdownCloses1001(t *testing.T) {
	srv, _, url := startServer(t, nil)

	conn := dial(t, url)
	shake(t, conn, "panel", "")

	go func() { _ = srv.Stop(2 * time.Second) }()
	assert.Equal(t, CloseServerShutdown, expectClose(t, conn))
}

func TestSessionUnregisterDropsSubscriptions(t *testing.T) {
	srv, rt, url := startServer(t, nil)

	conn := dial(t, url)
	shake(t, conn, "panel", "")

	factory := message.NewFactory(nil)
	no := false
	sub := factory.New(message.TypeSubscribe, "app.panel", &message.SubscribePayload{
		Patterns: []string{"companion.**"},
		Snapshot: &no,
	})
	data, err := message.Encode(sub)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.Eventually(t, func() bool {
		return rt.Subscriptions().Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return rt.Subscriptions().Count() == 0 && srv.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"My Panel!", "my_panel"},
		{"panel", "panel"},
		{"__x__", "x"},
		{"ALLCAPS-42", "allcaps_42"},
		{"!!!", "client"},
		{"", "client"},
		{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeName(tt.in), "input %q", tt.in)
	}
}
