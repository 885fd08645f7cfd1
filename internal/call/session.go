// ABOUTME: Call session state machine pairing a browser leg with a telephony-provider leg
// ABOUTME: Owns per-leg write serialization, the pair timeout, and idempotent teardown

package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle of a call session. Audio is relayed only in
// StateBridged.
type State string

const (
	StateConnecting State = "connecting"
	StateBridged    State = "bridged"
	StateEnding     State = "ending"
	StateClosed     State = "closed"
)

// LegKind identifies which side of the bridge a connection belongs to.
type LegKind string

const (
	LegBrowser  LegKind = "browser"
	LegProvider LegKind = "provider"
)

// other returns the opposite side of the bridge.
func (k LegKind) other() LegKind {
	if k == LegBrowser {
		return LegProvider
	}
	return LegBrowser
}

const closeGrace = time.Second

// leg wraps one websocket connection. Writes go through the mutex since
// the peer's relay goroutine and the teardown path both write here.
type leg struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *leg) write(messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(messageType, data)
}

// shutdown sends a close frame best-effort and drops the connection.
func (l *leg) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	deadline := time.Now().Add(closeGrace)
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = l.conn.Close()
}

// Session is one browser/provider call pairing. All state mutation runs
// under mu; the relay itself reads the peer leg pointer once bridged and
// needs no further locking.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu             sync.Mutex
	conversationID string
	state          State
	legs           map[LegKind]*leg
	pairTimer      *time.Timer

	// onClose runs exactly once, after the state reaches closed.
	onClose func(s *Session, reason string)
}

func newSession(id, conversationID string, onClose func(*Session, string)) *Session {
	return &Session{
		ID:             id,
		conversationID: conversationID,
		CreatedAt:      time.Now(),
		state:          StateConnecting,
		legs:           make(map[LegKind]*leg),
		onClose:        onClose,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversation returns the conversation the call belongs to, if any leg
// has supplied one.
func (s *Session) Conversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// adoptConversation backfills the conversation ID when the creating leg
// did not carry one. Legs may arrive in either order and only the
// browser leg knows the conversation, so a later leg's value wins over
// an empty one. A value already set is never overwritten.
func (s *Session) adoptConversation(conversationID string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationID == "" {
		s.conversationID = conversationID
	}
}

// attach registers a leg's connection. It reports whether the session
// became bridged. A duplicate leg or a session already past connecting
// is an error and the caller must drop the connection.
func (s *Session) attach(kind LegKind, conn *websocket.Conn) (bridged bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnecting {
		return false, fmt.Errorf("call: session %s is %s", s.ID, s.state)
	}
	if _, ok := s.legs[kind]; ok {
		return false, fmt.Errorf("call: session %s already has a %s leg", s.ID, kind)
	}

	s.legs[kind] = &leg{conn: conn}
	if len(s.legs) < 2 {
		return false, nil
	}

	s.state = StateBridged
	if s.pairTimer != nil {
		s.pairTimer.Stop()
		s.pairTimer = nil
	}
	return true, nil
}

// peer returns the opposite leg if the session is bridged, else nil.
// Frames arriving before the bridge is up are dropped by the caller.
func (s *Session) peer(kind LegKind) *leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBridged {
		return nil
	}
	return s.legs[kind.other()]
}

// armPairTimeout schedules teardown if the second leg never shows up.
func (s *Session) armPairTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting || s.pairTimer != nil {
		return
	}
	s.pairTimer = time.AfterFunc(d, func() {
		s.close("pair_timeout")
	})
}

// close tears the session down: both legs are shut, the pair timer is
// cancelled, and onClose fires. Calling close on an already-closed
// session is a no-op.
func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.state == StateEnding || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateEnding
	if s.pairTimer != nil {
		s.pairTimer.Stop()
		s.pairTimer = nil
	}
	legs := make([]*leg, 0, len(s.legs))
	for _, l := range s.legs {
		legs = append(legs, l)
	}
	s.mu.Unlock()

	for _, l := range legs {
		l.shutdown()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(s, reason)
	}
}
