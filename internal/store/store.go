// ABOUTME: Conversation-status store interface consumed by the real-time core
// ABOUTME: The durable record is authoritative; in-memory queues reconcile against it

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested conversation does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStatus is the durable lifecycle state of a conversation.
// Transitions are owned by the API/data layer; the real-time core mirrors
// them and treats this field as the source of truth.
type ConversationStatus string

const (
	StatusActive       ConversationStatus = "active"
	StatusWaitingHuman ConversationStatus = "waiting_human"
	StatusWithHuman    ConversationStatus = "with_human"
	StatusResolved     ConversationStatus = "resolved"
	StatusAbandoned    ConversationStatus = "abandoned"
)

// Conversation is the slice of the persisted conversation record the
// real-time core needs. The full record (messages, participants, billing)
// lives in the excluded data layer.
type Conversation struct {
	ID        string
	CompanyID string
	Status    ConversationStatus
	UpdatedAt time.Time
}

// ConversationStore is the read/write surface the handover queue uses for
// reconciliation. Production wires the platform database; tests use
// MemoryStore.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListByStatus(ctx context.Context, status ConversationStatus) ([]*Conversation, error)
	SetStatus(ctx context.Context, id string, status ConversationStatus) error
	UpsertConversation(ctx context.Context, conv *Conversation) error
	Close() error
}
