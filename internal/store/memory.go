// ABOUTME: In-memory ConversationStore for tests and single-process setups
// ABOUTME: Mirrors SQLiteStore semantics including ErrNotFound behavior

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements ConversationStore with a map.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*Conversation)}
}

// GetConversation returns a copy of the conversation with the given ID.
func (m *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

// ListByStatus returns conversations with the given status, oldest update first.
func (m *MemoryStore) ListByStatus(_ context.Context, status ConversationStatus) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, conv := range m.conversations {
		if conv.Status == status {
			clone := *conv
			convs = append(convs, &clone)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.Before(convs[j].UpdatedAt)
	})
	return convs, nil
}

// SetStatus updates the status of an existing conversation.
func (m *MemoryStore) SetStatus(_ context.Context, id string, status ConversationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Status = status
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// UpsertConversation inserts or replaces a conversation record.
func (m *MemoryStore) UpsertConversation(_ context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *conv
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = time.Now().UTC()
	}
	m.conversations[conv.ID] = &clone
	return nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
