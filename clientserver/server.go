package clientserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/router"
)

// Observer receives transport telemetry. The metric package provides
// one.
type Observer interface {
	SetClientsConnected(n int)
	RateLimited()
}

type noopObserver struct{}

func (noopObserver) SetClientsConnected(int) {}
func (noopObserver) RateLimited()            {}

// Server accepts application clients over WebSocket and registers
// each accepted session as a router target.
type Server struct {
	cfg      Config
	rt       *router.Router
	factory  *message.Factory
	logger   *slog.Logger
	clock    message.Clock
	version  string
	observer Observer

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	mu         sync.Mutex
	sessions   map[string]*session
	namespaces map[string]int // claimed namespace -> suffix counter

	started      atomic.Bool
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock injects a time source.
func WithClock(c message.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithServerVersion sets the version reported in handshakes.
func WithServerVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithObserver attaches transport telemetry.
func WithObserver(o Observer) Option {
	return func(s *Server) { s.observer = o }
}

// NewServer creates a Server bound to a router.
func NewServer(cfg Config, rt *router.Router, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		rt:      rt,
		factory: rt.Factory(),
		logger:   slog.Default(),
		clock:    message.SystemClock,
		version:  "0.1.0",
		observer: noopObserver{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin:       func(*http.Request) bool { return true },
		},
		sessions:   make(map[string]*session),
		namespaces: make(map[string]int),
		shutdown:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Initialize prepares the server.
func (s *Server) Initialize() error {
	return nil
}

// Start opens the listener and begins accepting clients.
func (s *Server) Start(_ context.Context) error {
	if s.started.Load() {
		return errors.Wrap(errors.ErrAlreadyStarted, "Server", "Start", "check state")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "Server", "Start", "open listener")
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpServer = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("client server stopped", "error", err)
		}
	}()

	s.started.Store(true)
	s.logger.Info("client transport listening", "addr", listener.Addr().String())
	return nil
}

// Stop closes every session with 1001 and shuts the listener down.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.started.Load() {
		return nil
	}

	s.shutdownOnce.Do(func() { close(s.shutdown) })

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.closeWith(CloseServerShutdown, "server shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return errors.Wrap(fmt.Errorf("shutdown timeout after %v", timeout),
			"Server", "Stop", "wait for sessions")
	}

	s.started.Store(false)
	return err
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of live session info, ordered by
// connect time.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt < infos[j].ConnectedAt })
	return infos
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	sess := &session{
		id:      uuid.NewString(),
		conn:    conn,
		srv:     s,
		limiter: newFixedWindow(s.cfg.RateLimit, s.cfg.RateLimitWindow, s.clock),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if len(s.sessions) >= s.cfg.MaxClients {
		s.mu.Unlock()
		sess.closeWith(CloseMaxClients, "max clients reached")
		return
	}
	s.sessions[sess.id] = sess
	count := len(s.sessions)
	s.mu.Unlock()
	s.observer.SetClientsConnected(count)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
}

// removeSession drops a finished session from the registry.
func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	count := len(s.sessions)
	s.mu.Unlock()
	s.observer.SetClientsConnected(count)
}

// claimNamespace assigns app.<sanitized> to a session, suffixing a
// counter when two clients present the same name.
func (s *Server) claimNamespace(name string) string {
	base := "app." + SanitizeName(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.namespaces[base]
	s.namespaces[base] = n + 1
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n+1)
}

// tokenAllowed checks a handshake token against the allow list in
// constant time.
func (s *Server) tokenAllowed(token string) bool {
	if token == "" {
		return false
	}
	for _, allowed := range s.cfg.AuthTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(allowed)) == 1 {
			return true
		}
	}
	return false
}
