// ABOUTME: Tests for the notification dispatcher
// ABOUTME: Covers target resolution, multi-target fan-out, and normalization

package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busPkg "github.com/cynerellc/buzzi-realtime/internal/bus"
)

type notifyRecorder struct {
	mu       sync.Mutex
	received []Notification
	channels []string
}

func (r *notifyRecorder) HandleEvent(channel string, event busPkg.Event) {
	payload, ok := event.Data.(Notification)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, payload)
	r.channels = append(r.channels, channel)
}

func (r *notifyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *notifyRecorder) last() Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received[len(r.received)-1]
}

func newDispatcher(t *testing.T) (*Dispatcher, *busPkg.Bus) {
	t.Helper()
	b := busPkg.New(0, nil, nil)
	t.Cleanup(b.Close)
	return NewDispatcher(b, nil, nil), b
}

func TestTargetChannel(t *testing.T) {
	tests := []struct {
		name    string
		target  Target
		want    string
		wantErr bool
	}{
		{"user", Target{TargetUser, "u1"}, "user:u1", false},
		{"company", Target{TargetCompany, "acme"}, "company:acme", false},
		{"agent", Target{TargetAgent, "a1"}, "agent:a1", false},
		{"support inbox", Target{TargetSupportInbox, "u1"}, "support:u1", false},
		{"empty id", Target{TargetUser, ""}, "", true},
		{"unknown kind", Target{TargetKind("broadcast"), "x"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.target.Channel()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatch_FansOutToAllTargets(t *testing.T) {
	d, b := newDispatcher(t)
	rec := &notifyRecorder{}
	b.Subscribe("user:alice", rec)
	b.Subscribe("company:acme", rec)

	err := d.Dispatch(Notification{
		Type:           busPkg.EventNewMessage,
		Title:          "New message",
		ConversationID: "c1",
		Priority:       PriorityNormal,
	},
		Target{Kind: TargetUser, ID: "alice"},
		Target{Kind: TargetCompany, ID: "acme"},
	)

	require.NoError(t, err)
	assert.Equal(t, 2, rec.count())
	assert.ElementsMatch(t, []string{"user:alice", "company:acme"}, rec.channels)
}

func TestDispatch_SkipsBadTargetDeliversRest(t *testing.T) {
	d, b := newDispatcher(t)
	rec := &notifyRecorder{}
	b.Subscribe("agent:a1", rec)

	err := d.Dispatch(Notification{Type: busPkg.EventEscalation, Title: "Escalated"},
		Target{Kind: TargetKind("bogus"), ID: "x"},
		Target{Kind: TargetAgent, ID: "a1"},
	)

	require.Error(t, err)
	assert.Equal(t, 1, rec.count())
}

func TestDispatch_NormalizesDefaults(t *testing.T) {
	d, b := newDispatcher(t)
	rec := &notifyRecorder{}
	b.Subscribe("user:alice", rec)

	d.NotifyUser("alice", Notification{Type: busPkg.EventNewMessage, Title: "Hi"})

	got := rec.last()
	assert.Equal(t, PriorityNormal, got.Priority)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, time.Second)
}

func TestNotifyHelpers(t *testing.T) {
	d, b := newDispatcher(t)
	rec := &notifyRecorder{}
	b.Subscribe("company:acme", rec)
	b.Subscribe("support:alice", rec)

	action := OpenConversation("c1")
	d.NotifyCompany("acme", Notification{
		Type:     busPkg.EventEscalation,
		Title:    "Customer needs help",
		Priority: PriorityUrgent,
		Action:   &action,
	})
	d.NotifySupportInbox("alice", Notification{
		Type:  busPkg.EventHandoverEnded,
		Title: "Agent left the conversation",
	})

	require.Equal(t, 2, rec.count())
	assert.Equal(t, busPkg.EventHandoverEnded, rec.last().Type)
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityUrgent.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.False(t, Priority("critical").Valid())
}
