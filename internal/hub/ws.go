// ABOUTME: Websocket event stream that fans bus channels out to connected clients
// ABOUTME: Each connection subscribes to requested channels and registers presence while open

package hub

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cynerellc/buzzi-realtime/internal/bus"
	"github.com/cynerellc/buzzi-realtime/internal/presence"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var eventStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// eventFrame is the wire shape of one delivered event.
type eventFrame struct {
	Channel string    `json:"channel"`
	Event   bus.Event `json:"event"`
}

// validChannel accepts only the platform's channel families, so a
// client cannot subscribe to arbitrary strings and bloat the registry.
func validChannel(channel string) bool {
	if channel == bus.SystemChannel {
		return true
	}
	prefix, id, ok := strings.Cut(channel, ":")
	if !ok || id == "" {
		return false
	}
	switch prefix {
	case "conversation", "user", "company", "agent", "support":
		return true
	}
	return false
}

// presenceScopes picks the channels a connection's presence should
// register under: company and conversation scopes only, not the
// derived :agents channels.
func presenceScopes(channels []string) []string {
	var scopes []string
	for _, channel := range channels {
		if strings.HasPrefix(channel, "company:") {
			scopes = append(scopes, channel)
			continue
		}
		if strings.HasPrefix(channel, "conversation:") && !strings.HasSuffix(channel, ":agents") {
			scopes = append(scopes, channel)
		}
	}
	return scopes
}

// handleEventStream upgrades the connection, subscribes it to the
// requested channels, and pushes every delivery until the client goes
// away. Presence is registered for the connection's lifetime.
func (h *Hub) handleEventStream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	channels := strings.Split(query.Get("channels"), ",")

	valid := channels[:0]
	for _, channel := range channels {
		channel = strings.TrimSpace(channel)
		if channel == "" {
			continue
		}
		if !validChannel(channel) {
			http.Error(w, "unknown channel: "+channel, http.StatusBadRequest)
			return
		}
		valid = append(valid, channel)
	}
	if len(valid) == 0 {
		http.Error(w, "at least one channel is required", http.StatusBadRequest)
		return
	}

	// Subscribe before completing the handshake so nothing published
	// right after the client's dial returns can be missed.
	sink := bus.NewChanSink(h.logger)
	subs := make([]*bus.Subscription, 0, len(valid)+1)
	for _, channel := range valid {
		subs = append(subs, h.bus.Subscribe(channel, sink))
	}
	subs = append(subs, h.bus.Subscribe(bus.SystemChannel, sink))

	conn, err := eventStreamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		h.logger.Warn("event stream upgrade failed", "error", err)
		return
	}

	var presenceConn *presence.Connection
	if userID := query.Get("user"); userID != "" {
		if scopes := presenceScopes(valid); len(scopes) > 0 {
			presenceConn = h.presence.Connect(presence.User{
				UserID:   userID,
				UserName: query.Get("name"),
				Role:     presence.Role(query.Get("role")),
			}, scopes...)
		}
	}

	h.logger.Info("event stream connected",
		"remote", r.RemoteAddr,
		"channels", len(valid))

	done := make(chan struct{})
	go h.writePump(conn, sink, done)

	// Read loop exists only to observe the close; inbound frames are
	// discarded.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, readErr := conn.ReadMessage(); readErr != nil {
			break
		}
	}

	close(done)
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if presenceConn != nil {
		presenceConn.Disconnect()
	}
	_ = conn.Close()
	h.logger.Info("event stream disconnected", "remote", r.RemoteAddr)
}

// writePump serializes all writes to the connection: event deliveries
// and keepalive pings.
func (h *Hub) writePump(conn *websocket.Conn, sink *bus.ChanSink, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case delivery := <-sink.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(eventFrame{
				Channel: delivery.Channel,
				Event:   delivery.Event,
			}); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
