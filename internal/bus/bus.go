// ABOUTME: In-memory pub/sub event bus with lazily-created channels
// ABOUTME: Delivery is synchronous, per-subscriber isolated, and never fails the publisher

package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cynerellc/buzzi-realtime/internal/metrics"
)

// defaultHeartbeatInterval is used when the caller passes a zero interval.
const defaultHeartbeatInterval = 30 * time.Second

// Sink receives events delivered on a subscribed channel.
type Sink interface {
	HandleEvent(channel string, event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(channel string, event Event)

// HandleEvent calls f.
func (f SinkFunc) HandleEvent(channel string, event Event) {
	f(channel, event)
}

// Subscription is the handle returned by Subscribe. Unsubscribe through the
// handle or through Bus.Unsubscribe with the same ID.
type Subscription struct {
	ID        string
	Channel   string
	CreatedAt time.Time

	sink Sink
	bus  *Bus
}

// Unsubscribe removes this subscription from its bus.
func (s *Subscription) Unsubscribe() {
	s.bus.Unsubscribe(s.Channel, s.ID)
}

// Bus is the process-wide event bus. Channels are created on first subscribe
// and removed when their last subscriber leaves, so the registry never grows
// across channel churn.
//
// A single Bus instance is constructed at startup and handed to every
// dependent component; tests construct their own for isolation.
type Bus struct {
	mu         sync.RWMutex
	channels   map[string]map[string]*Subscription // channel -> subID -> sub
	heartbeats map[string]chan struct{}            // channel -> stop

	heartbeatInterval time.Duration
	metrics           *metrics.Metrics
	logger            *slog.Logger

	closed bool
}

// New creates a Bus. A zero heartbeatInterval selects the 30s default.
// Pass nil logger for slog.Default; metrics may be nil.
func New(heartbeatInterval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Bus {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		channels:          make(map[string]map[string]*Subscription),
		heartbeats:        make(map[string]chan struct{}),
		heartbeatInterval: heartbeatInterval,
		metrics:           m,
		logger:            logger.With("component", "bus"),
	}
}

// Subscribe registers sink under channel, creating the channel if absent.
// It never blocks and duplicate subscriptions are allowed (both receive).
func (b *Bus) Subscribe(channel string, sink Sink) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		Channel:   channel,
		CreatedAt: time.Now(),
		sink:      sink,
		bus:       b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Debug("subscribe after close ignored", "channel", channel)
		return sub
	}
	if _, ok := b.channels[channel]; !ok {
		b.channels[channel] = make(map[string]*Subscription)
	}
	b.channels[channel][sub.ID] = sub
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BusSubscribers.Inc()
	}
	b.logger.Debug("subscriber added", "channel", channel, "sub_id", sub.ID)
	return sub
}

// Unsubscribe removes a subscription. The channel entry itself is removed
// once its last subscriber leaves.
func (b *Bus) Unsubscribe(channel, subID string) {
	b.mu.Lock()
	subs, ok := b.channels[channel]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, exists := subs[subID]; !exists {
		b.mu.Unlock()
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.channels, channel)
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BusSubscribers.Dec()
	}
	b.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// Publish delivers an event to every subscriber of channel. Publishing to a
// channel with no subscribers is a silent no-op. Subscriber sinks run
// synchronously but outside the registry lock, so a slow sink cannot stall
// unrelated publishes; a panicking sink is isolated and logged.
func (b *Bus) Publish(channel string, eventType EventType, data any) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	b.deliver(channel, event)
}

// PublishToMultiple publishes the same payload to several channels. A
// subscriber present on more than one of them receives the event once per
// channel.
func (b *Bus) PublishToMultiple(channels []string, eventType EventType, data any) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	}
	for _, ch := range channels {
		b.deliver(ch, event)
	}
}

func (b *Bus) deliver(channel string, event Event) {
	b.mu.RLock()
	subs, ok := b.channels[channel]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
	}

	for _, sub := range targets {
		b.invoke(channel, sub, event)
	}
}

// invoke runs a single sink with panic isolation so one failing subscriber
// cannot prevent delivery to the rest.
func (b *Bus) invoke(channel string, sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.metrics != nil {
				b.metrics.DeliveryFailures.Inc()
			}
			b.logger.Error("subscriber panicked during delivery",
				"channel", channel,
				"sub_id", sub.ID,
				"event_type", event.Type,
				"panic", r)
		}
	}()
	sub.sink.HandleEvent(channel, event)
}

// StartHeartbeat begins publishing periodic heartbeat events on channel.
// Calling it while a heartbeat is already running is a no-op.
func (b *Bus) StartHeartbeat(channel string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if _, running := b.heartbeats[channel]; running {
		b.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	b.heartbeats[channel] = stop
	b.mu.Unlock()

	go b.heartbeatLoop(channel, stop)
	b.logger.Debug("heartbeat started", "channel", channel, "interval", b.heartbeatInterval)
}

// StopHeartbeat stops the heartbeat for channel, if one is running.
func (b *Bus) StopHeartbeat(channel string) {
	b.mu.Lock()
	stop, ok := b.heartbeats[channel]
	if ok {
		delete(b.heartbeats, channel)
	}
	b.mu.Unlock()

	if ok {
		close(stop)
		b.logger.Debug("heartbeat stopped", "channel", channel)
	}
}

func (b *Bus) heartbeatLoop(channel string, stop chan struct{}) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Publish(channel, EventHeartbeat, nil)
		case <-stop:
			return
		}
	}
}

// SubscriberCount returns the number of subscriptions on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// HasSubscribers reports whether channel has at least one subscriber.
// Components use this to skip building payloads nobody will receive.
func (b *Bus) HasSubscribers(channel string) bool {
	return b.SubscriberCount(channel) > 0
}

// ActiveChannels returns the names of all channels with live subscribers.
func (b *Bus) ActiveChannels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	channels := make([]string, 0, len(b.channels))
	for name := range b.channels {
		channels = append(channels, name)
	}
	return channels
}

// Close stops all heartbeats and drops every subscription. Publishing to a
// closed bus is harmless (no subscribers remain).
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	stops := make([]chan struct{}, 0, len(b.heartbeats))
	for name, stop := range b.heartbeats {
		stops = append(stops, stop)
		delete(b.heartbeats, name)
	}
	for name := range b.channels {
		delete(b.channels, name)
	}
	b.mu.Unlock()

	for _, stop := range stops {
		close(stop)
	}
	b.logger.Debug("bus closed")
}
