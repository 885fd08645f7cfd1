// ABOUTME: Tests for the pub/sub event bus
// ABOUTME: Covers no-op publish, failure isolation, channel cleanup, heartbeats, concurrency

package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector records events delivered to it, safe for concurrent use.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) HandleEvent(_ string, event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) last() Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func TestBus_PublishWithoutSubscribersIsNoOp(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	// Must not panic and must not create a channel entry.
	b.Publish("conversation:c1", EventNewMessage, "hello")
	assert.Empty(t, b.ActiveChannels())
}

func TestBus_SubscriberReceivesEvent(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	c := &collector{}
	b.Subscribe("conversation:c1", c)

	b.Publish("conversation:c1", EventNewMessage, "hello")

	require.Equal(t, 1, c.count())
	assert.Equal(t, EventNewMessage, c.last().Type)
	assert.Equal(t, "hello", c.last().Data)
	assert.False(t, c.last().Timestamp.IsZero())
}

func TestBus_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	b.Subscribe("conversation:c1", SinkFunc(func(string, Event) {
		panic("subscriber exploded")
	}))
	c := &collector{}
	b.Subscribe("conversation:c1", c)

	b.Publish("conversation:c1", EventNewMessage, "still delivered")

	assert.Equal(t, 1, c.count())
}

func TestBus_ChannelRemovedAfterLastUnsubscribe(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	sub1 := b.Subscribe("conversation:c1", &collector{})
	sub2 := b.Subscribe("conversation:c1", &collector{})
	assert.Equal(t, 2, b.SubscriberCount("conversation:c1"))

	sub1.Unsubscribe()
	assert.True(t, b.HasSubscribers("conversation:c1"))

	sub2.Unsubscribe()
	assert.False(t, b.HasSubscribers("conversation:c1"))
	assert.NotContains(t, b.ActiveChannels(), "conversation:c1")
}

func TestBus_UnsubscribeUnknownIsNoOp(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	b.Unsubscribe("conversation:missing", "not-a-sub")

	sub := b.Subscribe("conversation:c1", &collector{})
	b.Unsubscribe("conversation:c1", "wrong-id")
	assert.Equal(t, 1, b.SubscriberCount("conversation:c1"))
	sub.Unsubscribe()
}

func TestBus_DuplicateSubscriptionsBothReceive(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	c := &collector{}
	b.Subscribe("user:u1", c)
	b.Subscribe("user:u1", c)

	b.Publish("user:u1", EventNewMessage, nil)

	assert.Equal(t, 2, c.count())
}

func TestBus_PublishToMultiple(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	c := &collector{}
	b.Subscribe("conversation:c1", c)
	b.Subscribe("company:co1", c)

	b.PublishToMultiple([]string{"conversation:c1", "company:co1", "user:nobody"}, EventEscalation, "e")

	// Same subscriber on two channels receives the event twice by design.
	assert.Equal(t, 2, c.count())
}

func TestBus_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	sub1 := b.Subscribe("conversation:c1", &collector{})
	sub2 := b.Subscribe("conversation:c1", &collector{})

	require.NotEqual(t, sub1.ID, sub2.ID)
}

func TestBus_HeartbeatFiresAndStops(t *testing.T) {
	b := New(20*time.Millisecond, nil, nil)
	defer b.Close()

	var beats atomic.Int64
	b.Subscribe("conversation:c1", SinkFunc(func(_ string, event Event) {
		if event.Type == EventHeartbeat {
			beats.Add(1)
		}
	}))

	b.StartHeartbeat("conversation:c1")
	// Second start while running is a no-op.
	b.StartHeartbeat("conversation:c1")

	assert.Eventually(t, func() bool {
		return beats.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	b.StopHeartbeat("conversation:c1")
	stopped := beats.Load()
	time.Sleep(80 * time.Millisecond)
	assert.LessOrEqual(t, beats.Load(), stopped+1, "heartbeat kept firing after stop")

	// Stopping twice is harmless.
	b.StopHeartbeat("conversation:c1")
}

func TestBus_ReentrantPublishFromSink(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	c := &collector{}
	b.Subscribe("conversation:c1:agents", c)
	b.Subscribe("conversation:c1", SinkFunc(func(_ string, event Event) {
		// A subscriber may itself publish.
		b.Publish("conversation:c1:agents", event.Type, event.Data)
	}))

	b.Publish("conversation:c1", EventTyping, "payload")

	require.Equal(t, 1, c.count())
	assert.Equal(t, "payload", c.last().Data)
}

func TestBus_ConcurrentPublishSubscribeUnsubscribe(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 20 {
				sub := b.Subscribe("conversation:hot", &collector{})
				b.Publish("conversation:hot", EventNewMessage, nil)
				sub.Unsubscribe()
			}
		})
	}
	for range 10 {
		wg.Go(func() {
			for range 50 {
				b.Publish("conversation:hot", EventTyping, nil)
			}
		})
	}
	wg.Wait()
	// No deadlock or panic is the assertion here.
}

func TestBus_CloseStopsHeartbeatsAndDropsSubscribers(t *testing.T) {
	b := New(10*time.Millisecond, nil, nil)

	c := &collector{}
	b.Subscribe("conversation:c1", c)
	b.StartHeartbeat("conversation:c1")

	b.Close()
	seen := c.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, c.count(), "events delivered after Close")

	// Close twice is safe; StartHeartbeat after Close is refused.
	b.Close()
	b.StartHeartbeat("conversation:c1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, seen, c.count())
}

func TestBus_SubscribeAfterCloseIsInert(t *testing.T) {
	b := New(0, nil, nil)
	b.Close()

	c := &collector{}
	sub := b.Subscribe("conversation:c1", c)
	require.NotNil(t, sub)

	assert.Empty(t, b.ActiveChannels(), "closed bus must not register subscribers")
	b.Publish("conversation:c1", EventNewMessage, nil)
	assert.Equal(t, 0, c.count())

	// The inert subscription can still be released without effect.
	sub.Unsubscribe()
}

func TestChanSink_DropsWhenFull(t *testing.T) {
	b := New(0, nil, nil)
	defer b.Close()

	sink := NewChanSink(nil)
	b.Subscribe("conversation:c1", sink)

	for range chanSinkBuffer + 10 {
		b.Publish("conversation:c1", EventNewMessage, nil)
	}

	// Buffer holds exactly its capacity; the overflow was dropped silently.
	assert.Len(t, sink.C, chanSinkBuffer)
}
