// ABOUTME: Typing-indicator state machine with rate limiting and timer-based expiry
// ABOUTME: Broadcasts always carry the full typing set so consumers self-heal

package typing

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cynerellc/buzzi-realtime/internal/bus"
	"github.com/cynerellc/buzzi-realtime/internal/config"
	"github.com/cynerellc/buzzi-realtime/internal/metrics"
)

// limiterMaxUsers bounds the rate-limit table; far beyond any realistic
// number of simultaneously typing users.
const limiterMaxUsers = 100_000

// UserType distinguishes who is typing.
type UserType string

const (
	UserTypeEndUser      UserType = "end_user"
	UserTypeSupportAgent UserType = "support_agent"
	UserTypeAIAgent      UserType = "ai_agent"
)

// User describes one typing participant in a broadcast payload.
type User struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	UserType  UserType  `json:"user_type"`
	StartedAt time.Time `json:"started_at"`
}

// Broadcast is the payload published on every typing-set change. It carries
// the full current set, never a delta, so a newly-connected subscriber can
// render correct state without replay.
type Broadcast struct {
	ConversationID string `json:"conversation_id"`
	Users          []User `json:"users"`
}

// Options configures the service timers. Zero values select the defaults.
type Options struct {
	InactivityTimeout time.Duration
	MaxDuration       time.Duration
	RateLimit         time.Duration
}

func (o *Options) applyDefaults() {
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = config.DefaultTypingInactivityTimeout
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = config.DefaultTypingMaxDuration
	}
	if o.RateLimit <= 0 {
		o.RateLimit = config.DefaultTypingRateLimit
	}
}

// state tracks one (conversation, user) typing entry. The entry exists if
// and only if its timers are armed; removal cancels both atomically under
// the service lock.
type state struct {
	user         User
	lastActivity time.Time
	inactivity   *time.Timer
	maxDuration  *time.Timer

	// gen guards against a stale timer firing for a state that was removed
	// and re-created between scheduling and firing.
	gen uint64
}

// Service owns the typing-state table. All mutation goes through the single
// service lock; broadcasts are published outside the lock.
type Service struct {
	mu            sync.Mutex
	conversations map[string]map[string]*state // conversationID -> userID -> state
	nextGen       uint64

	bus     *bus.Bus
	limiter *broadcastLimiter
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a typing service publishing on b.
func New(b *bus.Bus, opts Options, m *metrics.Metrics, logger *slog.Logger) *Service {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conversations: make(map[string]map[string]*state),
		bus:           b,
		limiter:       newBroadcastLimiter(opts.RateLimit, limiterMaxUsers),
		opts:          opts,
		metrics:       m,
		logger:        logger.With("component", "typing"),
	}
}

// StartTyping marks the user as typing in the conversation. Returns true if
// a broadcast was published (the IDLE→TYPING edge), false if the call only
// refreshed an existing state or was suppressed by the rate limit.
func (s *Service) StartTyping(conversationID, userID, userName string, userType UserType) bool {
	now := time.Now()

	s.mu.Lock()
	if st, ok := s.conversations[conversationID][userID]; ok {
		// Already typing: refresh the inactivity timer only. The max-duration
		// timer is a hard ceiling and is never extended.
		st.lastActivity = now
		st.inactivity.Reset(s.opts.InactivityTimeout)
		s.mu.Unlock()
		return false
	}

	if !s.limiter.allow(userID) {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.TypingRateLimited.Inc()
		}
		return false
	}

	s.nextGen++
	gen := s.nextGen
	st := &state{
		user: User{
			UserID:    userID,
			UserName:  userName,
			UserType:  userType,
			StartedAt: now,
		},
		lastActivity: now,
		gen:          gen,
	}
	st.inactivity = time.AfterFunc(s.opts.InactivityTimeout, func() {
		s.expire(conversationID, userID, gen, "inactivity")
	})
	st.maxDuration = time.AfterFunc(s.opts.MaxDuration, func() {
		s.expire(conversationID, userID, gen, "max_duration")
	})

	if _, ok := s.conversations[conversationID]; !ok {
		s.conversations[conversationID] = make(map[string]*state)
	}
	s.conversations[conversationID][userID] = st
	payload := s.broadcastLocked(conversationID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TypingUsers.Inc()
	}

	s.publish(conversationID, payload)
	if userType == UserTypeEndUser {
		// Agent inboxes get end-user typing without subscribing to every
		// conversation channel.
		s.bus.Publish(bus.ConversationAgentsChannel(conversationID), bus.EventTyping, payload)
	}
	return true
}

// StopTyping removes the user's typing state. Returns true if a state was
// removed (and a broadcast published).
func (s *Service) StopTyping(conversationID, userID string) bool {
	s.mu.Lock()
	st, ok := s.conversations[conversationID][userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeLocked(conversationID, userID, st)
	payload := s.broadcastLocked(conversationID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TypingUsers.Dec()
	}
	s.publish(conversationID, payload)
	return true
}

// expire is the shared timer callback for both timeout paths. A timer that
// fires after its state was removed or replaced is a guarded no-op.
func (s *Service) expire(conversationID, userID string, gen uint64, cause string) {
	s.mu.Lock()
	st, ok := s.conversations[conversationID][userID]
	if !ok || st.gen != gen {
		s.mu.Unlock()
		return
	}
	s.removeLocked(conversationID, userID, st)
	payload := s.broadcastLocked(conversationID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TypingUsers.Dec()
	}
	s.logger.Debug("typing state expired",
		"conversation_id", conversationID,
		"user_id", userID,
		"cause", cause)
	s.publish(conversationID, payload)
}

// ClearConversation force-stops every typing state in the conversation.
// Used when a conversation resolves or is abandoned.
func (s *Service) ClearConversation(conversationID string) {
	s.mu.Lock()
	users, ok := s.conversations[conversationID]
	if !ok || len(users) == 0 {
		s.mu.Unlock()
		return
	}
	removed := 0
	for userID, st := range users {
		s.removeLocked(conversationID, userID, st)
		removed++
	}
	payload := s.broadcastLocked(conversationID)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TypingUsers.Sub(float64(removed))
	}
	s.logger.Debug("conversation typing cleared",
		"conversation_id", conversationID,
		"removed", removed)
	s.publish(conversationID, payload)
}

// removeLocked cancels both timers and deletes the state entry. Must be
// called with mu held; timer cancellation and map removal stay atomic with
// respect to every other mutation path.
func (s *Service) removeLocked(conversationID, userID string, st *state) {
	st.inactivity.Stop()
	st.maxDuration.Stop()
	delete(s.conversations[conversationID], userID)
	if len(s.conversations[conversationID]) == 0 {
		delete(s.conversations, conversationID)
	}
}

// broadcastLocked builds the full-set payload. Must be called with mu held.
func (s *Service) broadcastLocked(conversationID string) Broadcast {
	users := make([]User, 0, len(s.conversations[conversationID]))
	for _, st := range s.conversations[conversationID] {
		users = append(users, st.user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].StartedAt.Equal(users[j].StartedAt) {
			return users[i].UserID < users[j].UserID
		}
		return users[i].StartedAt.Before(users[j].StartedAt)
	})
	return Broadcast{ConversationID: conversationID, Users: users}
}

func (s *Service) publish(conversationID string, payload Broadcast) {
	s.bus.Publish(bus.ConversationChannel(conversationID), bus.EventTyping, payload)
}

// TypingUsers returns the current typing set for a conversation, ordered by
// start time.
func (s *Service) TypingUsers(conversationID string) []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcastLocked(conversationID).Users
}

// IsUserTyping reports whether the user is currently typing in the
// conversation.
func (s *Service) IsUserTyping(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conversations[conversationID][userID]
	return ok
}

// IsAnyoneTyping reports whether any user is typing in the conversation.
func (s *Service) IsAnyoneTyping(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations[conversationID]) > 0
}

// Summary returns a human-readable line for the conversation's typing set:
// one user by name, two users joined with "and", three or more as a count.
func (s *Service) Summary(conversationID string) string {
	users := s.TypingUsers(conversationID)
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0].UserName + " is typing..."
	case 2:
		return users[0].UserName + " and " + users[1].UserName + " are typing..."
	default:
		return strconv.Itoa(len(users)) + " people are typing..."
	}
}

// Close cancels every timer and stops the rate limiter. The service must
// not be used afterwards.
func (s *Service) Close() {
	s.mu.Lock()
	var removed int
	for conversationID, users := range s.conversations {
		for userID, st := range users {
			st.inactivity.Stop()
			st.maxDuration.Stop()
			delete(users, userID)
			removed++
		}
		delete(s.conversations, conversationID)
	}
	s.mu.Unlock()

	// Keep the gauge honest on shared registries across hub rebuilds.
	if s.metrics != nil && removed > 0 {
		s.metrics.TypingUsers.Sub(float64(removed))
	}
	s.limiter.close()
}
