// ABOUTME: Tests for SQLite and memory ConversationStore implementations
// ABOUTME: Runs the same suite against both to keep their semantics aligned

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]ConversationStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]ConversationStore{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestStore_UpsertAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			err := s.UpsertConversation(ctx, &Conversation{
				ID:        "c1",
				CompanyID: "co1",
				Status:    StatusActive,
			})
			require.NoError(t, err)

			conv, err := s.GetConversation(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "co1", conv.CompanyID)
			assert.Equal(t, StatusActive, conv.Status)
			assert.False(t, conv.UpdatedAt.IsZero())
		})
	}
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetConversation(t.Context(), "ghost")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SetStatus(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			require.NoError(t, s.UpsertConversation(ctx, &Conversation{
				ID: "c1", CompanyID: "co1", Status: StatusActive,
			}))

			require.NoError(t, s.SetStatus(ctx, "c1", StatusWaitingHuman))

			conv, err := s.GetConversation(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, StatusWaitingHuman, conv.Status)

			assert.ErrorIs(t, s.SetStatus(ctx, "ghost", StatusResolved), ErrNotFound)
		})
	}
}

func TestStore_ListByStatusOrdersByUpdate(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Hour)

			for i, id := range []string{"c-old", "c-mid", "c-new"} {
				require.NoError(t, s.UpsertConversation(ctx, &Conversation{
					ID:        id,
					CompanyID: "co1",
					Status:    StatusWaitingHuman,
					UpdatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}
			require.NoError(t, s.UpsertConversation(ctx, &Conversation{
				ID: "c-other", CompanyID: "co1", Status: StatusActive,
			}))

			convs, err := s.ListByStatus(ctx, StatusWaitingHuman)
			require.NoError(t, err)
			require.Len(t, convs, 3)
			assert.Equal(t, "c-old", convs[0].ID)
			assert.Equal(t, "c-new", convs[2].ID)
		})
	}
}
