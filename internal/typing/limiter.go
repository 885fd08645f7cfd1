// ABOUTME: Thread-safe TTL tracker for per-user typing broadcast rate limiting
// ABOUTME: Size-limited with O(1) oldest-entry eviction via a linked list

package typing

import (
	"container/list"
	"sync"
	"time"
)

// limiterEntry stores the timestamp and list element for a tracked user.
type limiterEntry struct {
	timestamp time.Time
	element   *list.Element
}

// broadcastLimiter tracks the last typing broadcast per user, across all
// conversations (the rate-limit clock is deliberately global per user).
// Bounded in size so a flood of user IDs cannot grow memory without limit.
type broadcastLimiter struct {
	mu      sync.Mutex
	seen    map[string]*limiterEntry
	order   *list.List // user IDs in insertion order, oldest at front
	window  time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// newBroadcastLimiter creates a limiter with the given rate window. A
// background goroutine periodically removes stale entries.
func newBroadcastLimiter(window time.Duration, maxSize int) *broadcastLimiter {
	l := &broadcastLimiter{
		seen:    make(map[string]*limiterEntry),
		order:   list.New(),
		window:  window,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// allow atomically checks whether userID may broadcast and, if so, records
// the broadcast time. Returns false when the user broadcast within the
// rate window.
func (l *broadcastLimiter) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.seen[userID]
	if ok && time.Since(entry.timestamp) < l.window {
		return false
	}
	l.markLocked(userID)
	return true
}

// markLocked records a broadcast for userID. Must be called with mu held.
func (l *broadcastLimiter) markLocked(userID string) {
	now := time.Now()

	if entry, exists := l.seen[userID]; exists {
		entry.timestamp = now
		l.order.MoveToBack(entry.element)
		return
	}

	if len(l.seen) >= l.maxSize {
		l.evictOldest()
	}

	elem := l.order.PushBack(userID)
	l.seen[userID] = &limiterEntry{timestamp: now, element: elem}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (l *broadcastLimiter) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}
	userID, _ := front.Value.(string)
	l.order.Remove(front)
	delete(l.seen, userID)
}

// cleanup periodically removes entries older than the window.
func (l *broadcastLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCleanup()
		case <-l.done:
			return
		}
	}
}

func (l *broadcastLimiter) runCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for userID, entry := range l.seen {
		if now.Sub(entry.timestamp) > l.window {
			l.order.Remove(entry.element)
			delete(l.seen, userID)
		}
	}
}

// close stops the background cleanup goroutine. Safe to call twice.
func (l *broadcastLimiter) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
