package clientserver

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/message"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/router"
)

// session is one accepted client connection.
type session struct {
	id            string
	namespace     string
	clientName    string
	clientVersion string
	conn          *websocket.Conn
	srv           *Server
	limiter       *fixedWindow

	writeMu sync.Mutex

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix ms

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
}

// SessionInfo is the outward-facing view of a session for the GUI
// and health endpoints.
type SessionInfo struct {
	ID           string `json:"id"`
	Namespace    string `json:"namespace"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	ConnectedAt  int64  `json:"connectedAt"`
	LastActivity int64  `json:"lastActivity"`
	Received     uint64 `json:"received"`
	Sent         uint64 `json:"sent"`
	Dropped      uint64 `json:"dropped"`
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:           s.id,
		Namespace:    s.namespace,
		Name:         s.clientName,
		Version:      s.clientVersion,
		ConnectedAt:  s.connectedAt.UnixMilli(),
		LastActivity: s.lastActivity.Load(),
		Received:     s.received.Load(),
		Sent:         s.sent.Load(),
		Dropped:      s.dropped.Load(),
	}
}

// run performs the handshake and serves the session until the client
// leaves or the server drops it.
func (s *session) run() {
	defer s.srv.removeSession(s)
	defer s.conn.Close()

	if !s.handshake() {
		return
	}

	target := router.Target{
		ID:        s.id,
		Namespace: s.namespace,
		Handler:   s.deliver,
	}
	if err := s.srv.rt.RegisterTarget(target); err != nil {
		s.srv.logger.Warn("session target registration failed",
			"namespace", s.namespace, "error", err)
		s.closeWith(CloseServerDisconnect, "registration failed")
		return
	}
	defer func() {
		if err := s.srv.rt.UnregisterTarget(s.namespace); err != nil {
			s.srv.logger.Debug("session target already unregistered", "error", err)
		}
	}()

	s.srv.wg.Add(1)
	go s.heartbeat()

	s.readLoop()
}

// handshake reads and answers the mandatory first frame.
func (s *session) handshake() bool {
	_ = s.conn.SetReadDeadline(s.srv.clock().Add(s.srv.cfg.HandshakeTimeout))

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			s.closeWith(CloseHandshakeTimeout, "handshake timeout")
		}
		return false
	}

	var probe controlProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		s.closeWith(CloseBadHandshake, "invalid handshake JSON")
		return false
	}
	if probe.Type != frameHandshake {
		s.closeWith(CloseNotHandshake, "first message must be a handshake")
		return false
	}

	var req handshakeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.closeWith(CloseBadHandshake, "invalid handshake JSON")
		return false
	}

	if s.srv.cfg.RequireAuth && !s.srv.tokenAllowed(req.AuthToken) {
		s.respond(handshakeResponse{
			Type:          frameHandshakeResponse,
			Success:       false,
			ServerVersion: s.srv.version,
			Error:         "authentication failed",
		})
		s.closeWith(CloseAuthFailed, "authentication failed")
		return false
	}

	s.clientName = req.Name
	s.clientVersion = req.Version
	s.namespace = s.srv.claimNamespace(req.Name)
	s.connectedAt = s.srv.clock()
	s.lastActivity.Store(s.connectedAt.UnixMilli())

	s.respond(handshakeResponse{
		Type:          frameHandshakeResponse,
		Success:       true,
		SessionID:     s.id,
		Namespace:     s.namespace,
		ServerVersion: s.srv.version,
	})
	return true
}

// readLoop consumes frames until the connection drops or idles out.
func (s *session) readLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.srv.shutdown:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(s.srv.clock().Add(s.srv.cfg.IdleTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.closeWith(CloseIdleTimeout, "idle timeout")
			}
			return
		}

		s.lastActivity.Store(s.srv.clock().UnixMilli())
		s.handleFrame(data)
	}
}

func (s *session) handleFrame(data []byte) {
	var probe controlProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		s.sendError(errors.Invalidf("message", "malformed JSON: %v", err), "")
		return
	}

	switch probe.Type {
	case framePong:
		// Heartbeat echo; activity already recorded.
		return
	case framePing:
		// Clients may probe us too.
		s.writeJSON(map[string]string{"type": framePong})
		return
	}

	if !s.limiter.Allow() {
		s.dropped.Add(1)
		s.srv.observer.RateLimited()
		s.sendError(errors.New(errors.CodeRateLimited, "message rate limit exceeded"), "")
		return
	}

	m, err := message.Decode(data)
	if err != nil {
		s.sendError(err, "")
		return
	}

	// The transport owns the source identity: a client cannot speak
	// for another namespace.
	if m.Source != s.namespace {
		m = m.Clone()
		m.Source = s.namespace
	}

	s.received.Add(1)
	if err := s.srv.rt.Route(m); err != nil {
		s.sendError(err, m.ID)
	}
}

// deliver is the router target handler: it serializes a message onto
// the socket. Delivery is synchronous; a slow client slows only its
// own messages.
func (s *session) deliver(m *message.Message) error {
	data, err := message.Encode(m)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapCode(errors.CodeInternal, err, "session", "deliver", "write frame")
	}
	s.sent.Add(1)
	return nil
}

// heartbeat drives the server ping until the session ends.
func (s *session) heartbeat() {
	defer s.srv.wg.Done()

	ticker := time.NewTicker(s.srv.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.srv.shutdown:
			return
		case <-ticker.C:
			s.writeJSON(pingFrame{Type: framePing, Timestamp: s.srv.clock().UnixMilli()})
		}
	}
}

// sendError reports a failure back to the client as a bridge error
// message.
func (s *session) sendError(err error, relatedID string) {
	payload := &message.ErrorPayload{
		Code:             string(errors.CodeOf(err)),
		Message:          err.Error(),
		RelatedMessageID: relatedID,
	}
	if field := errors.FieldOf(err); field != "" {
		payload.Details = map[string]any{"field": field}
	}
	m := s.srv.factory.NewTargeted(message.TypeError, router.SourceHub, s.namespace, payload)
	if s.namespace == "" {
		m = s.srv.factory.New(message.TypeError, router.SourceHub, payload)
	}
	if deliverErr := s.deliver(m); deliverErr != nil {
		s.srv.logger.Debug("error delivery failed", "error", deliverErr)
	}
}

func (s *session) respond(resp handshakeResponse) {
	s.writeJSON(resp)
}

func (s *session) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame with code and reason, then marks the
// session done.
func (s *session) closeWith(code int, reason string) {
	s.writeMu.Lock()
	deadline := s.srv.clock().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	s.writeMu.Unlock()

	s.doneOnce.Do(func() { close(s.done) })
	_ = s.conn.Close()
}
