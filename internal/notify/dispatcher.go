// ABOUTME: Real-time notification fan-out over the event bus
// ABOUTME: Routes typed notifications to user, company, agent, and support-inbox channels

package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cynerellc/buzzi-realtime/internal/bus"
	"github.com/cynerellc/buzzi-realtime/internal/metrics"
)

// Priority orders notifications and escalations. Higher values matter
// more; Rank gives the comparable form.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps the priority to a comparable integer, urgent highest.
// Unknown values rank below low so malformed input never jumps a queue.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Action tells the receiving client what tapping the notification
// should do.
type Action struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
}

// OpenConversation is the action used by message and escalation
// notifications.
func OpenConversation(conversationID string) Action {
	return Action{Type: "open_conversation", ConversationID: conversationID}
}

// Notification is the payload fanned out on notification events. The
// dispatcher never persists these; durable notification history belongs
// to the data layer.
type Notification struct {
	Type           bus.EventType `json:"type"`
	Title          string        `json:"title"`
	Body           string        `json:"body,omitempty"`
	Priority       Priority      `json:"priority"`
	ConversationID string        `json:"conversationId,omitempty"`
	Action         *Action       `json:"action,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// TargetKind selects which channel family a notification lands on.
type TargetKind string

const (
	TargetUser         TargetKind = "user"
	TargetCompany      TargetKind = "company"
	TargetAgent        TargetKind = "agent"
	TargetSupportInbox TargetKind = "support"
)

// Target addresses one recipient scope.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// Channel resolves the target to its bus channel name.
func (t Target) Channel() (string, error) {
	if t.ID == "" {
		return "", fmt.Errorf("notify: empty target id")
	}
	switch t.Kind {
	case TargetUser:
		return bus.UserChannel(t.ID), nil
	case TargetCompany:
		return bus.CompanyChannel(t.ID), nil
	case TargetAgent:
		return bus.AgentChannel(t.ID), nil
	case TargetSupportInbox:
		return bus.SupportChannel(t.ID), nil
	default:
		return "", fmt.Errorf("notify: unknown target kind %q", t.Kind)
	}
}

// Dispatcher is the fire-and-forget fan-out path for notifications.
type Dispatcher struct {
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher builds a Dispatcher publishing on b. metrics and logger
// may be nil.
func NewDispatcher(b *bus.Bus, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bus:     b,
		metrics: m,
		logger:  logger.With("component", "notify"),
	}
}

// Dispatch sends the notification to every target. Targets that fail to
// resolve are skipped; the first resolution error is returned after the
// rest were still attempted.
func (d *Dispatcher) Dispatch(n Notification, targets ...Target) error {
	n = d.normalize(n)

	var firstErr error
	channels := make([]string, 0, len(targets))
	for _, target := range targets {
		channel, err := target.Channel()
		if err != nil {
			d.logger.Warn("dropping notification target",
				"kind", target.Kind,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		channels = append(channels, channel)
	}

	if len(channels) > 0 {
		d.bus.PublishToMultiple(channels, n.Type, n)
		if d.metrics != nil {
			d.metrics.NotificationsSent.WithLabelValues(string(n.Type)).
				Add(float64(len(channels)))
		}
	}
	return firstErr
}

// NotifyUser sends to the user's personal channel.
func (d *Dispatcher) NotifyUser(userID string, n Notification) {
	_ = d.Dispatch(n, Target{Kind: TargetUser, ID: userID})
}

// NotifyCompany sends to the company-wide channel every connected agent
// of the tenant listens on.
func (d *Dispatcher) NotifyCompany(companyID string, n Notification) {
	_ = d.Dispatch(n, Target{Kind: TargetCompany, ID: companyID})
}

// NotifyAgent sends to a specific agent's notification channel.
func (d *Dispatcher) NotifyAgent(agentID string, n Notification) {
	_ = d.Dispatch(n, Target{Kind: TargetAgent, ID: agentID})
}

// NotifySupportInbox sends to the support-inbox channel for a user.
func (d *Dispatcher) NotifySupportInbox(userID string, n Notification) {
	_ = d.Dispatch(n, Target{Kind: TargetSupportInbox, ID: userID})
}

func (d *Dispatcher) normalize(n Notification) Notification {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if !n.Priority.Valid() {
		n.Priority = PriorityNormal
	}
	return n
}
