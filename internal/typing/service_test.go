// ABOUTME: Tests for the typing-indicator state machine
// ABOUTME: Covers rate limiting, both timeout paths, aggregate broadcasts, and summaries

package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busPkg "github.com/cynerellc/buzzi-realtime/internal/bus"
	"github.com/cynerellc/buzzi-realtime/internal/metrics"
)

// recorder captures typing broadcasts per channel.
type recorder struct {
	mu     sync.Mutex
	byChan map[string][]Broadcast
}

func newRecorder() *recorder {
	return &recorder{byChan: make(map[string][]Broadcast)}
}

func (r *recorder) HandleEvent(channel string, event busPkg.Event) {
	if event.Type != busPkg.EventTyping {
		return
	}
	payload, ok := event.Data.(Broadcast)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChan[channel] = append(r.byChan[channel], payload)
}

func (r *recorder) count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byChan[channel])
}

func (r *recorder) last(channel string) Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	broadcasts := r.byChan[channel]
	return broadcasts[len(broadcasts)-1]
}

func newService(t *testing.T, opts Options) (*Service, *busPkg.Bus, *recorder) {
	t.Helper()
	b := busPkg.New(0, nil, nil)
	rec := newRecorder()
	b.Subscribe(busPkg.ConversationChannel("c1"), rec)
	b.Subscribe(busPkg.ConversationAgentsChannel("c1"), rec)

	svc := New(b, opts, nil, nil)
	t.Cleanup(func() {
		svc.Close()
		b.Close()
	})
	return svc, b, rec
}

func TestStartTyping_BroadcastsFullSet(t *testing.T) {
	svc, _, rec := newService(t, Options{})

	broadcast := svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	require.True(t, broadcast)

	require.Equal(t, 1, rec.count("conversation:c1"))
	payload := rec.last("conversation:c1")
	require.Len(t, payload.Users, 1)
	assert.Equal(t, "alice", payload.Users[0].UserID)
	assert.Equal(t, "Alice", payload.Users[0].UserName)
	assert.Equal(t, UserTypeEndUser, payload.Users[0].UserType)
}

func TestStartTyping_EndUserForwardsToAgentsChannel(t *testing.T) {
	svc, _, rec := newService(t, Options{})

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	assert.Equal(t, 1, rec.count("conversation:c1:agents"))

	// Agent typing does not go to the agents channel.
	svc.StartTyping("c1", "bob", "Bob", UserTypeSupportAgent)
	assert.Equal(t, 1, rec.count("conversation:c1:agents"))
	assert.Equal(t, 2, rec.count("conversation:c1"))
}

func TestStartTyping_RateLimitSuppressesSecondBroadcast(t *testing.T) {
	svc, _, rec := newService(t, Options{RateLimit: 200 * time.Millisecond})

	first := svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	svc.StopTyping("c1", "alice")

	// Within the window: no new state, no new start broadcast.
	second := svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)

	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, svc.IsUserTyping("c1", "alice"))
	// One start broadcast plus one stop broadcast, nothing more.
	assert.Equal(t, 2, rec.count("conversation:c1"))
}

func TestStartTyping_RateLimitIsGlobalPerUser(t *testing.T) {
	svc, b, _ := newService(t, Options{RateLimit: 200 * time.Millisecond})

	other := newRecorder()
	b.Subscribe(busPkg.ConversationChannel("c2"), other)

	require.True(t, svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser))
	// Same user, different conversation, same rate window: suppressed.
	assert.False(t, svc.StartTyping("c2", "alice", "Alice", UserTypeEndUser))
	assert.Equal(t, 0, other.count("conversation:c2"))
}

func TestStartTyping_RefreshDoesNotRebroadcast(t *testing.T) {
	svc, _, rec := newService(t, Options{
		InactivityTimeout: 100 * time.Millisecond,
		RateLimit:         time.Millisecond,
	})

	require.True(t, svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser))
	time.Sleep(60 * time.Millisecond)
	// Outside the rate window but already typing: refresh only.
	assert.False(t, svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser))
	assert.Equal(t, 1, rec.count("conversation:c1"))

	// The refresh re-armed the inactivity timer past its original deadline.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, svc.IsUserTyping("c1", "alice"))
}

func TestInactivityTimeout_RemovesStateAndBroadcastsEmpty(t *testing.T) {
	svc, _, rec := newService(t, Options{InactivityTimeout: 50 * time.Millisecond})

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)

	assert.Eventually(t, func() bool {
		return !svc.IsUserTyping("c1", "alice")
	}, time.Second, 10*time.Millisecond)

	payload := rec.last("conversation:c1")
	assert.Empty(t, payload.Users)
}

func TestMaxDuration_IsAHardCeilingDespiteRefreshes(t *testing.T) {
	svc, _, _ := newService(t, Options{
		InactivityTimeout: 80 * time.Millisecond,
		MaxDuration:       200 * time.Millisecond,
		RateLimit:         time.Millisecond,
	})

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)

	// Keep refreshing well past the ceiling.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
		time.Sleep(20 * time.Millisecond)
	}

	assert.False(t, svc.IsUserTyping("c1", "alice"),
		"typing survived past the max-duration ceiling")
}

func TestStopTyping_Idempotent(t *testing.T) {
	svc, _, _ := newService(t, Options{})

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	assert.True(t, svc.StopTyping("c1", "alice"))
	assert.False(t, svc.StopTyping("c1", "alice"))
	assert.False(t, svc.StopTyping("c-none", "nobody"))
}

func TestTypingSet_NetsToSingleUser(t *testing.T) {
	svc, _, _ := newService(t, Options{RateLimit: time.Millisecond})

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	time.Sleep(2 * time.Millisecond)
	svc.StartTyping("c1", "bob", "Bob", UserTypeSupportAgent)
	time.Sleep(2 * time.Millisecond)
	svc.StopTyping("c1", "alice")
	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	time.Sleep(2 * time.Millisecond)
	svc.StopTyping("c1", "bob")

	users := svc.TypingUsers("c1")
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].UserID)
	assert.True(t, svc.IsAnyoneTyping("c1"))
}

func TestClearConversation_ForceStopsEveryone(t *testing.T) {
	svc, _, rec := newService(t, Options{RateLimit: time.Millisecond})

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	time.Sleep(2 * time.Millisecond)
	svc.StartTyping("c1", "bob", "Bob", UserTypeSupportAgent)

	svc.ClearConversation("c1")

	assert.False(t, svc.IsAnyoneTyping("c1"))
	assert.Empty(t, rec.last("conversation:c1").Users)

	// Clearing an empty conversation publishes nothing.
	before := rec.count("conversation:c1")
	svc.ClearConversation("c1")
	assert.Equal(t, before, rec.count("conversation:c1"))
}

func TestSummary_Tiers(t *testing.T) {
	svc, _, _ := newService(t, Options{RateLimit: time.Millisecond})

	assert.Equal(t, "", svc.Summary("c1"))

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	assert.Equal(t, "Alice is typing...", svc.Summary("c1"))

	time.Sleep(2 * time.Millisecond)
	svc.StartTyping("c1", "bob", "Bob", UserTypeSupportAgent)
	assert.Equal(t, "Alice and Bob are typing...", svc.Summary("c1"))

	time.Sleep(2 * time.Millisecond)
	svc.StartTyping("c1", "carol", "Carol", UserTypeSupportAgent)
	assert.Equal(t, "3 people are typing...", svc.Summary("c1"))
}

func TestStaleTimer_IsGuardedNoOp(t *testing.T) {
	svc, _, _ := newService(t, Options{
		InactivityTimeout: 40 * time.Millisecond,
		RateLimit:         time.Millisecond,
	})

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	svc.StopTyping("c1", "alice")
	time.Sleep(2 * time.Millisecond)
	// Re-create the state; the first state's timers must not remove it.
	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, svc.IsUserTyping("c1", "alice"))
}

func TestScenario_TypingBroadcastAndExpiry(t *testing.T) {
	svc, _, rec := newService(t, Options{InactivityTimeout: 120 * time.Millisecond})

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)

	// Agent subscribed to the derived channel sees the end-user start.
	require.Equal(t, 1, rec.count("conversation:c1:agents"))
	require.Len(t, rec.last("conversation:c1:agents").Users, 1)

	// After the inactivity window with no refresh, the empty set goes out.
	assert.Eventually(t, func() bool {
		return rec.count("conversation:c1") >= 2
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.last("conversation:c1").Users)
}

func TestClose_ReleasesTypingGauge(t *testing.T) {
	b := busPkg.New(0, nil, nil)
	t.Cleanup(b.Close)
	m := metrics.New(prometheus.NewRegistry())
	svc := New(b, Options{}, m, nil)

	svc.StartTyping("c1", "alice", "Alice", UserTypeEndUser)
	svc.StartTyping("c2", "bob", "Bob", UserTypeSupportAgent)
	require.Equal(t, 2.0, testutil.ToFloat64(m.TypingUsers))

	// Teardown must return the gauge to zero so a rebuilt hub sharing
	// the registry does not inherit phantom typers.
	svc.Close()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TypingUsers))
}
