// ABOUTME: Online/offline presence tracker layered on the event bus
// ABOUTME: Refcounts connections per scope channel and broadcasts the full online set on edges

package presence

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cynerellc/buzzi-realtime/internal/bus"
	"github.com/cynerellc/buzzi-realtime/internal/metrics"
)

// Role classifies who is online, mirroring the participant kinds the
// rest of the platform distinguishes.
type Role string

const (
	RoleEndUser      Role = "end_user"
	RoleSupportAgent Role = "support_agent"
	RoleAIAgent      Role = "ai_agent"
)

// User is one online participant as carried in presence broadcasts.
type User struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	Role     Role      `json:"role"`
	Since    time.Time `json:"since"`
}

// Broadcast is the payload of every presence event: the full online set
// for one scope channel, never a delta.
type Broadcast struct {
	Channel string `json:"channel"`
	Users   []User `json:"users"`
}

// occupant refcounts a user's live connections within one scope. A user
// with two browser tabs open holds refs=2 and stays online until both
// close.
type occupant struct {
	user User
	refs int
}

// Tracker maintains online sets keyed by scope channel (company or
// conversation) and publishes presence events on the online/offline
// edges. It has no timers of its own: going offline is driven by the
// transport layer calling Disconnect when a connection tears down.
type Tracker struct {
	mu     sync.Mutex
	scopes map[string]map[string]*occupant

	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewTracker builds a Tracker publishing on b. metrics and logger may
// be nil.
func NewTracker(b *bus.Bus, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		scopes:  make(map[string]map[string]*occupant),
		bus:     b,
		metrics: m,
		logger:  logger.With("component", "presence"),
	}
}

// Connection ties one transport connection to the scopes it registered
// under so teardown can release exactly what Connect acquired.
type Connection struct {
	tracker  *Tracker
	user     User
	channels []string
	closed   atomic.Bool
}

// Connect marks user online on every given scope channel and returns a
// handle whose Disconnect undoes it. The first connection for a user in
// a scope broadcasts the updated online set; further connections only
// bump the refcount.
func (t *Tracker) Connect(user User, channels ...string) *Connection {
	if user.Since.IsZero() {
		user.Since = time.Now()
	}

	t.mu.Lock()
	var pending []Broadcast
	for _, channel := range channels {
		if t.connectLocked(channel, user) {
			pending = append(pending, t.snapshotLocked(channel))
		}
	}
	t.mu.Unlock()

	t.publish(pending)

	t.logger.Debug("user connected",
		"user_id", user.UserID,
		"role", user.Role,
		"scopes", len(channels))

	return &Connection{tracker: t, user: user, channels: channels}
}

// Disconnect releases the connection's presence claims. Safe to call
// more than once; only the first call has any effect.
func (c *Connection) Disconnect() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	t := c.tracker
	t.mu.Lock()
	var pending []Broadcast
	for _, channel := range c.channels {
		if t.disconnectLocked(channel, c.user.UserID) {
			pending = append(pending, t.snapshotLocked(channel))
		}
	}
	t.mu.Unlock()

	t.publish(pending)

	t.logger.Debug("user disconnected",
		"user_id", c.user.UserID,
		"scopes", len(c.channels))
}

// connectLocked bumps the refcount for user under channel, creating the
// scope as needed. Reports whether the user came online, which is the
// only edge worth broadcasting.
func (t *Tracker) connectLocked(channel string, user User) bool {
	scope, ok := t.scopes[channel]
	if !ok {
		scope = make(map[string]*occupant)
		t.scopes[channel] = scope
	}

	if occ, ok := scope[user.UserID]; ok {
		occ.refs++
		return false
	}

	scope[user.UserID] = &occupant{user: user, refs: 1}
	if t.metrics != nil {
		t.metrics.OnlineUsers.WithLabelValues(scopeKind(channel)).Inc()
	}
	return true
}

// disconnectLocked drops one reference, removing the user when the last
// connection is gone. The scope map entry is deleted with its last
// occupant so churn cannot grow the map forever. Reports whether the
// user went offline.
func (t *Tracker) disconnectLocked(channel, userID string) bool {
	scope, ok := t.scopes[channel]
	if !ok {
		return false
	}
	occ, ok := scope[userID]
	if !ok {
		return false
	}

	occ.refs--
	if occ.refs > 0 {
		return false
	}

	delete(scope, userID)
	if len(scope) == 0 {
		delete(t.scopes, channel)
	}
	if t.metrics != nil {
		t.metrics.OnlineUsers.WithLabelValues(scopeKind(channel)).Dec()
	}
	return true
}

// snapshotLocked captures the channel's full online set, sorted for
// stable payloads.
func (t *Tracker) snapshotLocked(channel string) Broadcast {
	return Broadcast{
		Channel: channel,
		Users:   t.onlineLocked(channel),
	}
}

// publish sends collected snapshots after the tracker mutex is
// released, so a subscriber may call back into the tracker without
// deadlocking and a slow sink never stalls presence mutations.
func (t *Tracker) publish(pending []Broadcast) {
	for _, b := range pending {
		t.bus.Publish(b.Channel, bus.EventPresence, b)
	}
}

func (t *Tracker) onlineLocked(channel string) []User {
	scope := t.scopes[channel]
	users := make([]User, 0, len(scope))
	for _, occ := range scope {
		users = append(users, occ.user)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].Since.Equal(users[j].Since) {
			return users[i].Since.Before(users[j].Since)
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}

// OnlineUsers returns the current online set for a scope channel.
func (t *Tracker) OnlineUsers(channel string) []User {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineLocked(channel)
}

// IsOnline reports whether userID has at least one live connection in
// the scope.
func (t *Tracker) IsOnline(channel, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	scope, ok := t.scopes[channel]
	if !ok {
		return false
	}
	_, ok = scope[userID]
	return ok
}

// OnlineCount returns how many distinct users are online in the scope.
func (t *Tracker) OnlineCount(channel string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.scopes[channel])
}

// scopeKind reduces a channel name to its prefix for the metrics label,
// keeping label cardinality bounded.
func scopeKind(channel string) string {
	if kind, _, ok := strings.Cut(channel, ":"); ok {
		return kind
	}
	return "other"
}
