package snapshot

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	data, err := b.Load(ctx, "chatsync-chats")
	require.NoError(t, err)
	require.Nil(t, data)

	require.NoError(t, b.Save(ctx, "chatsync-chats", []byte(`{"version":1}`)))
	require.NoError(t, b.Save(ctx, "chatsync-chats", []byte(`{"version":1,"chats":[]}`)))

	data, err = b.Load(ctx, "chatsync-chats")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":1,"chats":[]}`, string(data))

	// Only the snapshot itself remains; temp files are renamed or removed.
	entries, err := os.ReadDir(b.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "chatsync-chats.json", entries[0].Name())
}

func TestFileBackendSanitizesKey(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, b.Save(context.Background(), "../escape/key", []byte("{}")))

	entries, err := os.ReadDir(b.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ".._escape_key.json", entries[0].Name())
}
