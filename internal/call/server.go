// ABOUTME: Call signaling server: routes websocket upgrades by path and bridges audio legs
// ABOUTME: Unknown upgrade paths are destroyed before the handshake completes

package call

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cynerellc/buzzi-realtime/internal/auth"
	"github.com/cynerellc/buzzi-realtime/internal/bus"
	"github.com/cynerellc/buzzi-realtime/internal/metrics"
)

// Exact upgrade routes. Anything else asking for an upgrade is torn
// down without completing the handshake.
const (
	BrowserPath  = "/audio-stream"
	ProviderPath = "/media-stream"
)

// ProviderTokenHeader carries the telephony provider's shared secret.
const ProviderTokenHeader = "X-Buzzi-Provider-Token"

// DefaultPairTimeout bounds how long a lone leg may wait for its
// counterpart.
const DefaultPairTimeout = 15 * time.Second

var errServerClosed = errors.New("call: server closed")

// Lifecycle is the payload of call_started and call_ended events.
type Lifecycle struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// control is the shape of text control messages on either leg. Only
// the stop event is acted on here; everything else relays verbatim.
type control struct {
	Event string `json:"event"`
}

// Options configures the call server.
type Options struct {
	Verifier       auth.TokenVerifier
	ProviderSecret string
	PairTimeout    time.Duration

	// Passthrough lists upgrade paths owned by the wrapped handler
	// (e.g. the event-stream websocket). Upgrades on any path not in
	// this list and not a call route are destroyed.
	Passthrough []string

	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server owns the call-session table and the two upgrade acceptor
// groups. It wraps the application's general mux so upgrade requests
// never reach it.
type Server struct {
	upgrader       websocket.Upgrader
	verifier       auth.TokenVerifier
	providerSecret string
	pairTimeout    time.Duration
	passthrough    map[string]struct{}

	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewServer builds a call server. Verifier guards the browser leg and
// ProviderSecret guards the provider leg.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pairTimeout := opts.PairTimeout
	if pairTimeout <= 0 {
		pairTimeout = DefaultPairTimeout
	}
	passthrough := make(map[string]struct{}, len(opts.Passthrough))
	for _, path := range opts.Passthrough {
		passthrough[path] = struct{}{}
	}
	return &Server{
		passthrough: passthrough,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser legs authenticate with a token, not a cookie, so
			// cross-origin upgrades are acceptable here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		verifier:       opts.Verifier,
		providerSecret: opts.ProviderSecret,
		pairTimeout:    pairTimeout,
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		logger:         logger.With("component", "call"),
		sessions:       make(map[string]*Session),
	}
}

// Handler wraps next so websocket upgrades are intercepted before the
// general router sees them. Upgrades on unknown paths destroy the
// connection; plain HTTP passes through untouched.
func (s *Server) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		switch r.URL.Path {
		case BrowserPath:
			s.handleBrowser(w, r)
		case ProviderPath:
			s.handleProvider(w, r)
		default:
			if _, ok := s.passthrough[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			s.destroy(w, r, "unknown upgrade path")
		}
	})
}

func (s *Server) handleBrowser(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	subject, err := s.verifier.Verify(token)
	if err != nil {
		s.destroy(w, r, "browser token rejected")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		s.destroy(w, r, "missing session id")
		return
	}
	conversationID := r.URL.Query().Get("conversation")

	s.acceptLeg(w, r, LegBrowser, sessionID, conversationID, subject)
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get(ProviderTokenHeader)
	if s.providerSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.providerSecret)) != 1 {
		s.destroy(w, r, "provider secret rejected")
		return
	}

	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session")
	}
	if sessionID == "" {
		s.destroy(w, r, "missing session id")
		return
	}

	s.acceptLeg(w, r, LegProvider, sessionID, "", "provider")
}

// acceptLeg completes the handshake, attaches the connection to its
// session, and starts the relay pump for this leg.
func (s *Server) acceptLeg(w http.ResponseWriter, r *http.Request, kind LegKind, sessionID, conversationID, subject string) {
	sess, err := s.getOrCreate(sessionID, conversationID)
	if err != nil {
		s.destroy(w, r, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	bridged, err := sess.attach(kind, conn)
	if err != nil {
		s.logger.Warn("dropping surplus leg",
			"session_id", sessionID,
			"leg", kind,
			"error", err)
		_ = conn.Close()
		return
	}

	s.logger.Info("call leg connected",
		"session_id", sessionID,
		"leg", kind,
		"subject", subject)

	if bridged {
		if s.metrics != nil {
			s.metrics.CallsBridged.Inc()
		}
		s.publishLifecycle(bus.EventCallStarted, sess, "")
		s.logger.Info("call bridged", "session_id", sessionID)
	} else {
		sess.armPairTimeout(s.pairTimeout)
	}

	go s.readPump(sess, kind, conn)
}

// getOrCreate is the atomic session lookup both legs race through; the
// loser of the race joins the winner's session.
func (s *Server) getOrCreate(sessionID, conversationID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errServerClosed
	}
	if sess, ok := s.sessions[sessionID]; ok {
		sess.adoptConversation(conversationID)
		return sess, nil
	}

	sess := newSession(sessionID, conversationID, s.sessionClosed)
	s.sessions[sessionID] = sess
	if s.metrics != nil {
		s.metrics.CallSessions.Inc()
	}
	return sess, nil
}

// readPump relays frames from one leg to the other until the leg
// closes, errors, or sends a stop control message. Frames arriving
// before the session is bridged are dropped.
func (s *Server) readPump(sess *Session, kind LegKind, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			sess.close("leg_closed")
			return
		}

		if messageType == websocket.TextMessage && isStop(data) {
			sess.close("hangup")
			return
		}

		peer := sess.peer(kind)
		if peer == nil {
			continue
		}
		if err := peer.write(messageType, data); err != nil {
			sess.close("relay_error")
			return
		}
	}
}

func isStop(data []byte) bool {
	var msg control
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	return msg.Event == "stop"
}

// sessionClosed is the Session onClose hook: drop the table entry and
// announce the end of the call.
func (s *Server) sessionClosed(sess *Session, reason string) {
	s.mu.Lock()
	_, tracked := s.sessions[sess.ID]
	delete(s.sessions, sess.ID)
	s.mu.Unlock()

	if !tracked {
		return
	}
	if s.metrics != nil {
		s.metrics.CallSessions.Dec()
	}
	s.publishLifecycle(bus.EventCallEnded, sess, reason)
	s.logger.Info("call session closed",
		"session_id", sess.ID,
		"reason", reason)
}

func (s *Server) publishLifecycle(eventType bus.EventType, sess *Session, reason string) {
	conversationID := sess.Conversation()
	if s.bus == nil || conversationID == "" {
		return
	}
	s.bus.Publish(bus.ConversationChannel(conversationID), eventType, Lifecycle{
		SessionID:      sess.ID,
		ConversationID: conversationID,
		Reason:         reason,
	})
}

// destroy rejects an upgrade attempt by taking over the raw connection
// and closing it, so no handshake ever completes.
func (s *Server) destroy(w http.ResponseWriter, r *http.Request, reason string) {
	if s.metrics != nil {
		s.metrics.RejectedUpgrades.Inc()
	}
	s.logger.Warn("destroying upgrade request",
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"reason", reason)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_ = conn.Close()
}

// SessionCount returns how many sessions are currently tracked.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close tears down every active session and refuses new ones. Safe to
// call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	active := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.Unlock()

	for _, sess := range active {
		sess.close("server_shutdown")
	}
	s.logger.Info("call server closed", "sessions_closed", len(active))
}
