// ABOUTME: AI-to-human escalation queue mirroring conversation status transitions
// ABOUTME: In-memory priority queue reconciled against the durable conversation store on reads

package handover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cynerellc/buzzi-realtime/internal/bus"
	"github.com/cynerellc/buzzi-realtime/internal/jobs"
	"github.com/cynerellc/buzzi-realtime/internal/metrics"
	"github.com/cynerellc/buzzi-realtime/internal/notify"
	"github.com/cynerellc/buzzi-realtime/internal/store"
)

// Reason records why a conversation was escalated to a human.
type Reason string

const (
	ReasonUserRequested     Reason = "user_requested"
	ReasonSentimentNegative Reason = "sentiment_negative"
	ReasonAIUnable          Reason = "ai_unable"
	ReasonTimeout           Reason = "timeout"
)

// Valid reports whether r is one of the defined escalation reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonUserRequested, ReasonSentimentNegative, ReasonAIUnable, ReasonTimeout:
		return true
	}
	return false
}

// EntryStatus tracks an escalation within the queue.
type EntryStatus string

const (
	EntryPending  EntryStatus = "pending"
	EntryAssigned EntryStatus = "assigned"
)

// Entry is one conversation waiting for (or taken by) a human agent.
// Reason is empty on entries rebuilt from the durable store during
// reconciliation, since the store does not record it.
type Entry struct {
	ConversationID string          `json:"conversationId"`
	CompanyID      string          `json:"companyId"`
	Reason         Reason          `json:"reason,omitempty"`
	Priority       notify.Priority `json:"priority"`
	QueuedAt       time.Time       `json:"queuedAt"`
	Status         EntryStatus     `json:"status"`

	digested bool
}

// StatusChange is the payload published on the conversation channel
// whenever the queue moves a conversation between statuses.
type StatusChange struct {
	ConversationID string                   `json:"conversationId"`
	Status         store.ConversationStatus `json:"status"`
	Reason         Reason                   `json:"reason,omitempty"`
}

// TypingClearer is the slice of the typing service the queue needs when
// a conversation ends.
type TypingClearer interface {
	ClearConversation(conversationID string)
}

// ErrNotQueued is returned when an operation references a conversation
// the queue is not tracking.
var ErrNotQueued = errors.New("handover: conversation not queued")

// Queue owns the in-memory escalation index. It is advisory: the
// durable conversation status in the store is the source of truth, and
// admin-facing reads go through PendingReconciled to self-heal drift.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*Entry

	bus        *bus.Bus
	dispatcher *notify.Dispatcher
	store      store.ConversationStore
	jobs       jobs.Submitter
	typing     TypingClearer

	digestAfter time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Options configures the queue's collaborators. Bus, Dispatcher, and
// Store are required; the rest may be nil (typing clears and digest
// jobs become no-ops).
type Options struct {
	Bus         *bus.Bus
	Dispatcher  *notify.Dispatcher
	Store       store.ConversationStore
	Jobs        jobs.Submitter
	Typing      TypingClearer
	DigestAfter time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewQueue builds an empty escalation queue.
func NewQueue(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	digestAfter := opts.DigestAfter
	if digestAfter <= 0 {
		digestAfter = 2 * time.Minute
	}
	return &Queue{
		entries:     make(map[string]*Entry),
		bus:         opts.Bus,
		dispatcher:  opts.Dispatcher,
		store:       opts.Store,
		jobs:        opts.Jobs,
		typing:      opts.Typing,
		digestAfter: digestAfter,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "handover"),
	}
}

// Enqueue moves a conversation to waiting_human: it persists the status,
// records a pending entry, and notifies the company's agents. Enqueueing
// a conversation that is already queued refreshes nothing and returns
// the existing entry unchanged.
func (q *Queue) Enqueue(ctx context.Context, conversationID, companyID string, reason Reason, priority notify.Priority) (Entry, error) {
	if !reason.Valid() {
		return Entry{}, fmt.Errorf("handover: invalid reason %q", reason)
	}
	if !priority.Valid() {
		priority = notify.PriorityNormal
	}

	q.mu.Lock()
	if existing, ok := q.entries[conversationID]; ok {
		entry := *existing
		q.mu.Unlock()
		return entry, nil
	}
	entry := &Entry{
		ConversationID: conversationID,
		CompanyID:      companyID,
		Reason:         reason,
		Priority:       priority,
		QueuedAt:       time.Now(),
		Status:         EntryPending,
	}
	q.entries[conversationID] = entry
	q.mu.Unlock()

	if err := q.store.UpsertConversation(ctx, &store.Conversation{
		ID:        conversationID,
		CompanyID: companyID,
		Status:    store.StatusWaitingHuman,
	}); err != nil {
		q.mu.Lock()
		delete(q.entries, conversationID)
		q.mu.Unlock()
		return Entry{}, fmt.Errorf("handover: persisting escalation: %w", err)
	}

	if q.metrics != nil {
		q.metrics.EscalationsTotal.WithLabelValues(string(reason)).Inc()
		q.metrics.PendingEscalations.Inc()
	}

	q.publishStatus(conversationID, store.StatusWaitingHuman, reason)

	action := notify.OpenConversation(conversationID)
	q.dispatcher.NotifyCompany(companyID, notify.Notification{
		Type:           bus.EventEscalation,
		Title:          "Conversation needs a human agent",
		Body:           escalationBody(reason),
		Priority:       priority,
		ConversationID: conversationID,
		Action:         &action,
	})

	q.logger.Info("conversation escalated",
		"conversation_id", conversationID,
		"company_id", companyID,
		"reason", reason,
		"priority", priority)

	return *entry, nil
}

// MarkAssigned records that an agent took the conversation over. The
// entry leaves the pending view but is retained until resolution.
func (q *Queue) MarkAssigned(ctx context.Context, conversationID string) error {
	q.mu.Lock()
	entry, ok := q.entries[conversationID]
	if !ok || entry.Status != EntryPending {
		q.mu.Unlock()
		return ErrNotQueued
	}
	entry.Status = EntryAssigned
	q.mu.Unlock()

	if err := q.store.SetStatus(ctx, conversationID, store.StatusWithHuman); err != nil {
		return fmt.Errorf("handover: persisting assignment: %w", err)
	}

	if q.metrics != nil {
		q.metrics.PendingEscalations.Dec()
	}
	q.publishStatus(conversationID, store.StatusWithHuman, "")
	q.logger.Info("conversation assigned", "conversation_id", conversationID)
	return nil
}

// ReturnToAI hands the conversation back to the AI. Typing state is
// left alone since the conversation continues.
func (q *Queue) ReturnToAI(ctx context.Context, conversationID string) error {
	return q.endHandover(ctx, conversationID, store.StatusActive, false)
}

// Resolve closes the conversation out and force-clears its typing
// indicators.
func (q *Queue) Resolve(ctx context.Context, conversationID string) error {
	return q.endHandover(ctx, conversationID, store.StatusResolved, true)
}

// Abandon marks a conversation the customer left before or during
// pickup. Typing indicators are cleared like a resolution.
func (q *Queue) Abandon(ctx context.Context, conversationID string) error {
	return q.endHandover(ctx, conversationID, store.StatusAbandoned, true)
}

func (q *Queue) endHandover(ctx context.Context, conversationID string, status store.ConversationStatus, clearTyping bool) error {
	q.mu.Lock()
	entry, queued := q.entries[conversationID]
	if queued {
		delete(q.entries, conversationID)
	}
	q.mu.Unlock()

	if err := q.store.SetStatus(ctx, conversationID, status); err != nil {
		return fmt.Errorf("handover: persisting status %s: %w", status, err)
	}

	if queued {
		if q.metrics != nil && entry.Status == EntryPending {
			q.metrics.PendingEscalations.Dec()
		}
		if entry.Status == EntryAssigned {
			q.bus.Publish(bus.ConversationChannel(conversationID), bus.EventHandoverEnded, StatusChange{
				ConversationID: conversationID,
				Status:         status,
			})
		}
	}

	q.publishStatus(conversationID, status, "")

	if clearTyping && q.typing != nil {
		q.typing.ClearConversation(conversationID)
	}

	q.logger.Info("handover ended",
		"conversation_id", conversationID,
		"status", status)
	return nil
}

// Pending returns the pending entries ordered by priority tier, then
// FIFO by enqueue time within a tier.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() []Entry {
	pending := make([]Entry, 0, len(q.entries))
	for _, entry := range q.entries {
		if entry.Status == EntryPending {
			pending = append(pending, *entry)
		}
	}
	sortPending(pending)
	return pending
}

// PendingReconciled returns the pending view after reconciling the
// in-memory index against the durable store. Entries whose persisted
// status is no longer waiting_human are dropped, and conversations the
// store says are waiting but the index lost (e.g. after a restart) are
// rebuilt with normal priority and no recorded reason.
func (q *Queue) PendingReconciled(ctx context.Context) ([]Entry, error) {
	durable, err := q.store.ListByStatus(ctx, store.StatusWaitingHuman)
	if err != nil {
		return nil, fmt.Errorf("handover: reconciling queue: %w", err)
	}

	waiting := make(map[string]*store.Conversation, len(durable))
	for _, conv := range durable {
		waiting[conv.ID] = conv
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for id, entry := range q.entries {
		if entry.Status != EntryPending {
			continue
		}
		if _, ok := waiting[id]; !ok {
			delete(q.entries, id)
			if q.metrics != nil {
				q.metrics.PendingEscalations.Dec()
			}
			q.logger.Warn("dropping stale escalation entry", "conversation_id", id)
		}
	}

	for id, conv := range waiting {
		if _, ok := q.entries[id]; ok {
			continue
		}
		q.entries[id] = &Entry{
			ConversationID: id,
			CompanyID:      conv.CompanyID,
			Priority:       notify.PriorityNormal,
			QueuedAt:       conv.UpdatedAt,
			Status:         EntryPending,
		}
		if q.metrics != nil {
			q.metrics.PendingEscalations.Inc()
		}
		q.logger.Warn("rebuilt escalation entry from store", "conversation_id", id)
	}

	return q.pendingLocked(), nil
}

// Run periodically submits digest-email jobs for escalations that have
// sat unassigned past the digest threshold. It blocks until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	interval := q.digestAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			q.sweepDigests(ctx, now)
		}
	}
}

// sweepDigests submits one digest job per overdue pending entry. Each
// entry is digested at most once.
func (q *Queue) sweepDigests(ctx context.Context, now time.Time) {
	if q.jobs == nil {
		return
	}

	q.mu.Lock()
	var overdue []*Entry
	for _, entry := range q.entries {
		if entry.Status == EntryPending && !entry.digested &&
			now.Sub(entry.QueuedAt) >= q.digestAfter {
			entry.digested = true
			overdue = append(overdue, entry)
		}
	}
	q.mu.Unlock()

	for _, entry := range overdue {
		job := jobs.Job{
			Type: jobs.TypeEscalationDigest,
			Payload: map[string]any{
				"conversationId": entry.ConversationID,
				"companyId":      entry.CompanyID,
				"priority":       string(entry.Priority),
				"queuedAt":       entry.QueuedAt,
			},
		}
		if err := q.jobs.Submit(ctx, job); err != nil {
			q.logger.Error("submitting escalation digest job",
				"conversation_id", entry.ConversationID,
				"error", err)
		}
	}
}

func (q *Queue) publishStatus(conversationID string, status store.ConversationStatus, reason Reason) {
	q.bus.Publish(bus.ConversationChannel(conversationID), bus.EventStatusChange, StatusChange{
		ConversationID: conversationID,
		Status:         status,
		Reason:         reason,
	})
}

func sortPending(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority.Rank() != entries[j].Priority.Rank() {
			return entries[i].Priority.Rank() > entries[j].Priority.Rank()
		}
		return entries[i].QueuedAt.Before(entries[j].QueuedAt)
	})
}

func escalationBody(reason Reason) string {
	switch reason {
	case ReasonUserRequested:
		return "The customer asked to speak with a human."
	case ReasonSentimentNegative:
		return "The conversation sentiment turned negative."
	case ReasonAIUnable:
		return "The AI assistant could not resolve the request."
	case ReasonTimeout:
		return "The conversation stalled without a resolution."
	default:
		return ""
	}
}
