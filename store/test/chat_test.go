package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/usememos/chatsync/store"
)

func TestChatStore(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)

	chat, err := ts.CreateChat(ctx, &store.Chat{Title: "New Chat"})
	require.NoError(t, err)
	require.Equal(t, int64(1), chat.Version)

	for i, content := range []string{"one", "two", "three"} {
		_, err := ts.CreateMessage(ctx, &store.CreateMessage{
			ChatID:          chat.ID,
			Role:            "user",
			Content:         content,
			ExpectedVersion: chat.Version + int64(i),
		})
		require.NoError(t, err)
	}

	msgs, err := ts.ListMessages(ctx, &store.FindMessage{ChatID: chat.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"one", "two", "three"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})

	got, err := ts.GetChat(ctx, &store.FindChat{ID: &chat.ID})
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Version)
	for _, m := range msgs {
		require.GreaterOrEqual(t, got.UpdatedTs, m.CreatedTs)
	}

	_, err = ts.CreateMessage(ctx, &store.CreateMessage{ChatID: chat.ID, Role: "user", Content: "stale", ExpectedVersion: 1})
	require.ErrorIs(t, err, store.ErrVersionConflict)

	require.NoError(t, ts.DeleteAllChats(ctx))
	list, err := ts.ListChats(ctx, &store.FindChat{})
	require.NoError(t, err)
	require.Empty(t, list)
}
