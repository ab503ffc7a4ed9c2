package satellite

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Simulator is a minimal in-process control-surface server speaking
// the Satellite wire protocol. It exists for tests: it records every
// frame the adapter sends, replays scripted greeting lines on
// connect, and answers PING with PONG when asked to.
type Simulator struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	greeting []string
	autoPong bool

	received chan Frame
	closed   chan struct{}
	once     sync.Once
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithGreeting scripts wire lines sent to every new connection.
func WithGreeting(lines ...string) SimulatorOption {
	return func(s *Simulator) { s.greeting = lines }
}

// WithAutoPong answers every PING with PONG.
func WithAutoPong() SimulatorOption {
	return func(s *Simulator) { s.autoPong = true }
}

// NewSimulator starts a simulator on an ephemeral port.
func NewSimulator(opts ...SimulatorOption) (*Simulator, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Simulator{
		listener: listener,
		received: make(chan Frame, 256),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api", s.handleWS)
	s.server = &http.Server{Handler: mux}

	go func() { _ = s.server.Serve(listener) }()

	return s, nil
}

// URL returns the ws:// URL of the simulator.
func (s *Simulator) URL() string {
	return "ws://" + s.listener.Addr().String() + "/api"
}

// Received exposes the frames the adapter sent, in arrival order.
func (s *Simulator) Received() <-chan Frame {
	return s.received
}

// Broadcast sends a wire line to every live connection.
func (s *Simulator) Broadcast(line string) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, len(s.conns))
	copy(conns, s.conns)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.WriteMessage(websocket.TextMessage, []byte(line))
	}
}

// DropConnections closes every live connection without stopping the
// listener, simulating an upstream crash.
func (s *Simulator) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops the simulator.
func (s *Simulator) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.DropConnections()
		_ = s.server.Close()
	})
}

func (s *Simulator) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	greeting := s.greeting
	s.mu.Unlock()

	for _, line := range greeting {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(line))
	}

	go s.readLoop(conn)
}

func (s *Simulator) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := ParseLine(string(data))
		if err != nil {
			continue
		}

		if s.autoPong && frame.Command == cmdPing {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(cmdPong))
		}

		select {
		case s.received <- frame:
		case <-s.closed:
			return
		default:
			// Frame buffer full; drop rather than block the test.
		}
	}
}
