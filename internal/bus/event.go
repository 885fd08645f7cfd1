// ABOUTME: Event value type and channel naming helpers for the pub/sub bus
// ABOUTME: Channel names follow the platform convention conversation:/user:/company:/agent:/support:

package bus

import "time"

// EventType identifies what kind of event is being published.
type EventType string

const (
	EventTyping       EventType = "typing"
	EventPresence     EventType = "presence"
	EventNewMessage   EventType = "new_message"
	EventStatusChange EventType = "status_change"
	EventEscalation   EventType = "escalation"
	EventHeartbeat    EventType = "heartbeat"

	// EventHandoverEnded signals that a human agent returned a conversation
	// to the AI or resolved it.
	EventHandoverEnded EventType = "handover_ended"

	EventCallStarted EventType = "call_started"
	EventCallEnded   EventType = "call_ended"
)

// Event is an immutable value published on a channel. Subscribers must not
// mutate Data after delivery.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemChannel carries process-wide events such as heartbeats. Every
// event-stream connection is subscribed to it implicitly.
const SystemChannel = "system"

// Channel name constructors. These strings are wire-visible: existing
// subscribers match on them, so the format must not change.

// ConversationChannel is the channel for everyone viewing a conversation.
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// ConversationAgentsChannel is the derived channel for agents watching a
// conversation through their inbox, without subscribing to the conversation
// channel itself.
func ConversationAgentsChannel(conversationID string) string {
	return "conversation:" + conversationID + ":agents"
}

// UserChannel is the per-user notification channel.
func UserChannel(userID string) string {
	return "user:" + userID
}

// CompanyChannel is the company-wide broadcast channel.
func CompanyChannel(companyID string) string {
	return "company:" + companyID
}

// AgentChannel is a specific support agent's notification channel.
func AgentChannel(agentID string) string {
	return "agent:" + agentID
}

// SupportChannel is the support-inbox channel for a given end user.
func SupportChannel(userID string) string {
	return "support:" + userID
}
