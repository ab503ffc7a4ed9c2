package satellite

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/pkg/backoff"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/router"
)

// Namespaces and state paths owned by the adapter.
const (
	// TargetNamespace is where the adapter receives routed commands.
	// Commands addressed at deeper namespaces (companion.satellite)
	// resolve here by prefix.
	TargetNamespace = "companion"

	// OwnerNamespace is the namespace the adapter writes state under.
	OwnerNamespace = "companion.satellite"

	pathConnectionState   = "companion.connection.state"
	pathLastConnected     = "companion.connection.lastConnected"
	pathLastError         = "companion.connection.lastError"
	pathLatency           = "companion.connection.latency"
	pathCapabilities      = "companion.capabilities"
	pathConnectionEvents  = "companion.connection"
	pathUpstreamErrorEvts = "companion.error"
)

// ConnState is the adapter connection state machine position.
type ConnState int32

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

// String returns the state name as published to the store.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is a point-in-time adapter view for health checks.
type Status struct {
	State         ConnState
	Attempts      int32
	Latency       time.Duration
	LastConnected time.Time
}

// Adapter bridges the router to the Satellite API.
type Adapter struct {
	cfg     Config
	rt      *router.Router
	factory *message.Factory
	logger  *slog.Logger
	clock   message.Clock
	url     string
	dialer  *websocket.Dialer
	backoff backoff.Config

	// Connection and local mirrors
	mu            sync.Mutex
	conn          *websocket.Conn
	caps          Capabilities
	vars          map[string]string
	keys          map[string]KeyState // "<deviceId>/<keyIndex>"
	pendingPong   time.Time
	latency       time.Duration
	lastConnected time.Time

	state       atomic.Int32
	attempts    atomic.Int32
	started     atomic.Bool
	onReconnect func()

	lifecycleMu  sync.Mutex
	cancel       context.CancelFunc
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithClock injects a time source.
func WithClock(c message.Clock) Option {
	return func(a *Adapter) { a.clock = c }
}

// WithURL overrides the upstream URL. Tests point this at an
// in-process simulator.
func WithURL(url string) Option {
	return func(a *Adapter) { a.url = url }
}

// WithReconnectObserver is called once per reconnect attempt.
func WithReconnectObserver(fn func()) Option {
	return func(a *Adapter) { a.onReconnect = fn }
}

// NewAdapter creates an Adapter bound to a router.
func NewAdapter(cfg Config, rt *router.Router, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:     cfg,
		rt:      rt,
		factory: rt.Factory(),
		logger:  slog.Default(),
		clock:   message.SystemClock,
		url:     cfg.URL(),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.ConnectionTimeout},
		backoff: backoff.Config{
			BaseDelay: cfg.ReconnectDelay,
			MaxDelay:  60 * time.Second,
			JitterMax: time.Second,
		},
		caps:     DefaultCapabilities(),
		vars:     make(map[string]string),
		keys:     make(map[string]KeyState),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Initialize prepares the adapter.
func (a *Adapter) Initialize() error {
	return nil
}

// Start registers the adapter target and launches the connection
// loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if a.started.Load() {
		return errors.Wrap(errors.ErrAlreadyStarted, "Adapter", "Start", "check state")
	}

	if err := a.rt.RegisterTarget(router.Target{
		ID:        "satellite-adapter",
		Namespace: TargetNamespace,
		Handler:   a.HandleBridgeMessage,
	}); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go a.run(runCtx)

	a.started.Store(true)
	return nil
}

// Stop disconnects, unregisters the target and waits for goroutines.
func (a *Adapter) Stop(timeout time.Duration) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if !a.started.Load() {
		return nil
	}

	a.shutdownOnce.Do(func() { close(a.shutdown) })
	a.cancel()
	a.closeConn()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.Wrap(fmt.Errorf("shutdown timeout after %v", timeout),
			"Adapter", "Stop", "wait for goroutines")
	}

	if err := a.rt.UnregisterTarget(TargetNamespace); err != nil {
		a.logger.Debug("target already unregistered", "error", err)
	}
	a.started.Store(false)
	return nil
}

// State returns the connection state machine position.
func (a *Adapter) State() ConnState {
	return ConnState(a.state.Load())
}

// Status returns a point-in-time adapter view.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		State:         a.State(),
		Attempts:      a.attempts.Load(),
		Latency:       a.latency,
		LastConnected: a.lastConnected,
	}
}

// Capabilities returns the negotiated capability set.
func (a *Adapter) Capabilities() Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

// run is the connection loop: connect, serve until close, back off,
// repeat.
func (a *Adapter) run(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		default:
		}

		a.setState(StateConnecting)
		conn, err := a.dial(ctx)
		if err != nil {
			// Connection attempt failed or timed out while CONNECTING.
			a.setState(StateError)
			a.publish(pathLastError, err.Error())
			a.publish(pathConnectionState, StateError.String())
			if !a.scheduleReconnect(ctx) {
				return
			}
			continue
		}

		a.onConnected(ctx, conn)
		reason := a.serve(ctx, conn)
		a.onDisconnected(reason)

		if !a.cfg.AutoReconnect {
			return
		}
		if !a.scheduleReconnect(ctx) {
			return
		}
	}
}

// scheduleReconnect sleeps the backoff delay for the next attempt.
// Returns false when the attempt cap is reached or shutdown began.
func (a *Adapter) scheduleReconnect(ctx context.Context) bool {
	if !a.cfg.AutoReconnect {
		return false
	}

	attempt := int(a.attempts.Add(1))
	if a.onReconnect != nil {
		a.onReconnect()
	}
	if a.cfg.MaxReconnectAttempts > 0 && attempt > a.cfg.MaxReconnectAttempts {
		a.logger.Error("reconnect attempts exhausted", "attempts", attempt-1)
		a.setState(StateError)
		a.publish(pathConnectionState, StateError.String())
		return false
	}

	a.setState(StateReconnecting)
	a.logger.Info("scheduling reconnect", "attempt", attempt, "delay_base", a.backoff.BaseDelay)

	ok := a.backoff.Sleep(mergeDone(a.shutdown, ctx.Done()), attempt)
	return ok && ctx.Err() == nil
}

// mergeDone returns a channel closed when either input closes.
func mergeDone(a, b <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		select {
		case <-a:
		case <-b:
		}
		close(out)
	}()
	return out
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectionTimeout)
	defer cancel()

	conn, _, err := a.dialer.DialContext(dialCtx, a.url, nil)
	if err != nil {
		return nil, errors.WrapCode(errors.CodeAdapterError, err, "Adapter", "dial", "open upstream socket")
	}
	return conn, nil
}

// onConnected announces the device, publishes connection state and
// resets the failure counter.
func (a *Adapter) onConnected(ctx context.Context, conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.lastConnected = a.clock()
	a.mu.Unlock()

	a.attempts.Store(0)
	a.setState(StateConnected)

	begin := EncodeLine(cmdBegin,
		a.cfg.DeviceID,
		percentEncode(a.cfg.ProductName),
		strconv.Itoa(a.cfg.KeysPerRow),
		strconv.Itoa(a.cfg.KeysTotal),
		strconv.Itoa(a.cfg.BitmapSize),
	)
	if err := a.send(begin); err != nil {
		a.logger.Error("BEGIN failed", "error", err)
	}

	a.publish(pathConnectionState, StateConnected.String())
	a.publish(pathLastConnected, a.clock().UnixMilli())
	a.emitEvent(pathConnectionEvents, "connected", map[string]any{
		"deviceId": a.cfg.DeviceID,
	})

	a.wg.Add(1)
	go a.heartbeat(ctx, conn)
}

// serve reads wire frames until the connection drops, returning the
// close reason.
func (a *Adapter) serve(ctx context.Context, conn *websocket.Conn) string {
	for {
		select {
		case <-ctx.Done():
			return "context canceled"
		case <-a.shutdown:
			return "adapter stopped"
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return fmt.Sprintf("%d: %s", ce.Code, ce.Text)
			}
			return err.Error()
		}

		frame, err := ParseLine(string(data))
		if err != nil {
			a.logger.Warn("unparseable wire line", "error", err)
			continue
		}
		a.handleFrame(frame)
	}
}

// onDisconnected marks owned state stale and publishes the reason.
// Stale flags clear naturally as fresh writes arrive after reconnect.
func (a *Adapter) onDisconnected(reason string) {
	a.closeConn()
	a.setState(StateDisconnected)

	a.publish(pathConnectionState, StateDisconnected.String())
	a.publish(pathLastError, reason)
	a.rt.Store().MarkOwnerStale(OwnerNamespace)
	a.emitEvent(pathConnectionEvents, "disconnected", map[string]any{
		"reason": reason,
	})
	a.logger.Info("upstream disconnected", "reason", reason)
}

func (a *Adapter) closeConn() {
	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
}

// heartbeat sends PING every interval while the connection lives and
// tracks round-trip latency via PONG.
func (a *Adapter) heartbeat(ctx context.Context, conn *websocket.Conn) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		case <-ticker.C:
			a.mu.Lock()
			current := a.conn
			if current != conn {
				// A different connection took over; this heartbeat
				// belongs to a dead socket.
				a.mu.Unlock()
				return
			}
			a.pendingPong = a.clock()
			a.mu.Unlock()

			if err := a.send(cmdPing); err != nil {
				return
			}
		}
	}
}

// send writes one text line to the upstream socket.
func (a *Adapter) send(line string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		return errors.WrapCode(errors.CodeAdapterError, errors.ErrNoConnection,
			"Adapter", "send", "write wire line")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		return errors.WrapCode(errors.CodeAdapterError, err, "Adapter", "send", "write wire line")
	}
	return nil
}

// handleFrame translates one inbound wire frame into state writes and
// events.
func (a *Adapter) handleFrame(f Frame) {
	switch f.Command {
	case cmdAddDevice:
		if len(f.Args) < 1 {
			a.logger.Warn("ADD-DEVICE without device id")
			return
		}
		a.mu.Lock()
		a.caps = a.caps.overlay(f.Args[1:])
		caps := a.caps
		a.mu.Unlock()
		a.publish(pathCapabilities, caps.asValue())

	case cmdKeyState:
		if len(f.Args) < 2 {
			a.logger.Warn("KEY-STATE with missing args")
			return
		}
		deviceID := f.Args[0]
		keyIndex, err := strconv.Atoi(f.Args[1])
		if err != nil || keyIndex < 0 {
			a.logger.Warn("KEY-STATE with bad key index", "arg", f.Args[1])
			return
		}
		ks, err := parseKeyStateTags(f.Args[2:])
		if err != nil {
			a.logger.Warn("KEY-STATE with bad tags", "error", err)
			return
		}
		a.mu.Lock()
		a.keys[keyCacheKey(deviceID, keyIndex)] = ks
		a.mu.Unlock()
		a.publish(keyStatePath(deviceID, keyIndex), keyStateValue(ks))

	case cmdVariablesUpdate:
		vars, err := parseVariableTokens(f.Args)
		if err != nil {
			a.logger.Warn("VARIABLES-UPDATE with bad tokens", "error", err)
			return
		}
		a.mu.Lock()
		for _, v := range vars {
			a.vars[v.Name] = v.Value
		}
		a.mu.Unlock()
		for _, v := range vars {
			a.publish("companion.variables."+SafeName(v.Name), v.Value)
		}

	case cmdBrightness:
		if len(f.Args) < 2 {
			a.logger.Warn("BRIGHTNESS with missing args")
			return
		}
		level, err := strconv.Atoi(f.Args[1])
		if err != nil {
			a.logger.Warn("BRIGHTNESS with bad level", "arg", f.Args[1])
			return
		}
		a.publish(brightnessPath(f.Args[0]), level)

	case cmdPong:
		a.mu.Lock()
		if !a.pendingPong.IsZero() {
			a.latency = a.clock().Sub(a.pendingPong)
			a.pendingPong = time.Time{}
		}
		latency := a.latency
		a.mu.Unlock()
		a.publish(pathLatency, latency.Milliseconds())

	case cmdError:
		text := ""
		if len(f.Args) > 0 {
			text = EncodeLine(f.Args[0], f.Args[1:]...)
		}
		a.logger.Warn("upstream error", "message", text)
		a.publish(pathLastError, text)
		a.emitEvent(pathUpstreamErrorEvts, "upstream_error", map[string]any{
			"message": text,
		})

	default:
		a.logger.Debug("ignoring unknown wire command", "command", f.Command)
	}
}

// HandleBridgeMessage is the router target handler.
func (a *Adapter) HandleBridgeMessage(m *message.Message) error {
	switch m.Type {
	case message.TypeCommand:
		a.handleCommand(m)
		return nil
	case message.TypeError:
		payload := m.Payload.(*message.ErrorPayload)
		a.logger.Warn("error routed to adapter", "code", payload.Code, "message", payload.Message)
		return nil
	default:
		// Acks and other traffic addressed here carry nothing to do.
		return nil
	}
}

// handleCommand translates a bridge command into a wire frame and
// acknowledges the local outcome. The wire protocol is fire-and-
// forget at this layer: completed means accepted and written, not
// applied remotely.
func (a *Adapter) handleCommand(m *message.Message) {
	payload := m.Payload.(*message.CommandPayload)

	switch payload.Action {
	case "press":
		a.handleKeyPress(m, payload.Params, true)
	case "release":
		a.handleKeyPress(m, payload.Params, false)
	case "rotate":
		a.handleRotate(m, payload.Params)
	case "setVariable":
		a.handleSetVariable(m, payload.Params)
	case "getVariable":
		a.handleGetVariable(m, payload.Params)
	case "clearKeys":
		a.handleClearKeys(m)
	default:
		a.ackFailed(m, errors.CodeAdapterError, fmt.Sprintf("unknown action %q", payload.Action))
	}
}

func (a *Adapter) handleKeyPress(m *message.Message, params map[string]any, pressed bool) {
	keyIndex, ok := resolveKeyIndex(params)
	if !ok {
		a.ackFailed(m, errors.CodeInvalidMessage, "press requires keyIndex or page+bank")
		return
	}

	token := tokenReleased
	if pressed {
		token = tokenPressed
	}
	line := EncodeLine(cmdKeyPress, a.cfg.DeviceID, strconv.Itoa(keyIndex), token)
	if err := a.send(line); err != nil {
		a.ackFailed(m, errors.CodeAdapterError, err.Error())
		return
	}
	a.ackCompleted(m, nil)
}

func (a *Adapter) handleRotate(m *message.Message, params map[string]any) {
	if !a.Capabilities().Rotation {
		a.ackFailed(m, errors.CodeAdapterError, "upstream lacks ROTATION capability")
		return
	}

	keyIndex, ok := resolveKeyIndex(params)
	if !ok {
		a.ackFailed(m, errors.CodeInvalidMessage, "rotate requires keyIndex")
		return
	}
	direction, _ := params["direction"].(string)
	var wire string
	switch direction {
	case "left":
		wire = "-1"
	case "right":
		wire = "1"
	default:
		a.ackFailed(m, errors.CodeInvalidMessage, "rotate requires direction left or right")
		return
	}

	if err := a.send(EncodeLine(cmdKeyRotate, a.cfg.DeviceID, strconv.Itoa(keyIndex), wire)); err != nil {
		a.ackFailed(m, errors.CodeAdapterError, err.Error())
		return
	}
	a.ackCompleted(m, nil)
}

func (a *Adapter) handleSetVariable(m *message.Message, params map[string]any) {
	if !a.Capabilities().VariableWrite {
		a.ackFailed(m, errors.CodeAdapterError, "upstream lacks VARIABLE_WRITE capability")
		return
	}

	name, _ := params["name"].(string)
	value, valueOK := params["value"].(string)
	if name == "" || !valueOK {
		a.ackFailed(m, errors.CodeInvalidMessage, "setVariable requires name and value")
		return
	}

	if err := a.send(EncodeLine(cmdVariableValue, encodeVariableToken(name, value))); err != nil {
		a.ackFailed(m, errors.CodeAdapterError, err.Error())
		return
	}

	a.mu.Lock()
	a.vars[name] = value
	a.mu.Unlock()

	a.ackCompleted(m, nil)
}

func (a *Adapter) handleGetVariable(m *message.Message, params map[string]any) {
	name, _ := params["name"].(string)
	if name == "" {
		a.ackFailed(m, errors.CodeInvalidMessage, "getVariable requires name")
		return
	}

	a.mu.Lock()
	value, known := a.vars[name]
	a.mu.Unlock()

	result := map[string]any{"name": name}
	if known {
		result["value"] = value
	} else {
		result["value"] = nil
	}
	a.ackCompleted(m, result)
}

func (a *Adapter) handleClearKeys(m *message.Message) {
	if err := a.send(EncodeLine(cmdKeysClear, a.cfg.DeviceID)); err != nil {
		a.ackFailed(m, errors.CodeAdapterError, err.Error())
		return
	}

	a.mu.Lock()
	a.keys = make(map[string]KeyState)
	a.mu.Unlock()

	a.ackCompleted(m, nil)
}

// resolveKeyIndex extracts a key index from keyIndex or from the
// page/bank addressing form (page 1-based, bank 0-based, 8 keys per
// page on the wire).
func resolveKeyIndex(params map[string]any) (int, bool) {
	if v, ok := params["keyIndex"]; ok {
		if f, ok := v.(float64); ok && f >= 0 {
			return int(f), true
		}
		if i, ok := v.(int); ok && i >= 0 {
			return i, true
		}
		return 0, false
	}

	page, pageOK := numberParam(params, "page")
	bank, bankOK := numberParam(params, "bank")
	if !pageOK || !bankOK || page < 1 || bank < 0 {
		return 0, false
	}
	return (page-1)*8 + bank, true
}

func numberParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// ackCompleted routes a completed ack for a command.
func (a *Adapter) ackCompleted(m *message.Message, result any) {
	a.routeAck(m, message.AckCompleted, result, nil)
}

// ackFailed routes a failed ack carrying an error detail.
func (a *Adapter) ackFailed(m *message.Message, code errors.Code, text string) {
	a.routeAck(m, message.AckFailed, nil, &message.ErrorDetail{Code: string(code), Message: text})
}

func (a *Adapter) routeAck(m *message.Message, status message.AckStatus, result any, detail *message.ErrorDetail) {
	ack := a.factory.NewTargeted(message.TypeAck, OwnerNamespace, m.Source, &message.AckPayload{
		Status:    status,
		CommandID: m.ID,
		Result:    result,
		Error:     detail,
	})
	ack.CorrelationID = m.ID
	if err := a.rt.Route(ack); err != nil {
		a.logger.Warn("ack routing failed", "error", err)
	}
}

// publish writes a state value under the adapter's owner namespace.
func (a *Adapter) publish(path string, value any) {
	m := a.factory.New(message.TypeState, OwnerNamespace, &message.StatePayload{Value: value})
	m.Path = path
	if err := a.rt.Route(m); err != nil {
		a.logger.Warn("state publish failed", "path", path, "error", err)
	}
}

// emitEvent routes a bridge event from the adapter.
func (a *Adapter) emitEvent(path, name string, data map[string]any) {
	m := a.factory.New(message.TypeEvent, OwnerNamespace, &message.EventPayload{
		Event: name,
		Data:  data,
	})
	m.Path = path
	if err := a.rt.Route(m); err != nil {
		a.logger.Warn("event routing failed", "event", name, "error", err)
	}
}

func (a *Adapter) setState(s ConnState) {
	a.state.Store(int32(s))
}

func keyCacheKey(deviceID string, keyIndex int) string {
	return deviceID + "/" + strconv.Itoa(keyIndex)
}

func keyStatePath(deviceID string, keyIndex int) string {
	return fmt.Sprintf("companion.device.%s.key.%d", SafeName(deviceID), keyIndex)
}

func brightnessPath(deviceID string) string {
	return fmt.Sprintf("companion.device.%s.brightness", SafeName(deviceID))
}

func keyStateValue(ks KeyState) map[string]any {
	v := map[string]any{"pressed": ks.Pressed}
	if ks.Color != "" {
		v["color"] = ks.Color
	}
	if ks.Text != "" {
		v["text"] = ks.Text
	}
	if ks.Bitmap != "" {
		v["bitmap"] = ks.Bitmap
	}
	return v
}
