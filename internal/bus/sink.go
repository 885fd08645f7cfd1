// ABOUTME: ChanSink adapts a buffered channel to the Sink interface
// ABOUTME: Slow consumers drop events rather than stalling the publisher

package bus

import "log/slog"

// chanSinkBuffer matches the per-subscriber buffer the web transports use.
const chanSinkBuffer = 64

// Delivery pairs an event with the channel it arrived on, for sinks
// subscribed to more than one channel.
type Delivery struct {
	Channel string
	Event   Event
}

// ChanSink buffers deliveries on a channel for consumers that pull events
// (WebSocket writers, tests). Sends never block: when the buffer is full the
// event is dropped, since every broadcast in this system carries full state
// and the next one self-heals.
type ChanSink struct {
	C      chan Delivery
	logger *slog.Logger
}

// NewChanSink creates a ChanSink with the standard buffer size.
func NewChanSink(logger *slog.Logger) *ChanSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChanSink{
		C:      make(chan Delivery, chanSinkBuffer),
		logger: logger,
	}
}

// HandleEvent implements Sink.
func (s *ChanSink) HandleEvent(channel string, event Event) {
	select {
	case s.C <- Delivery{Channel: channel, Event: event}:
	default:
		s.logger.Debug("dropped event for slow subscriber",
			"channel", channel,
			"event_type", event.Type)
	}
}
