package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/usememos/chatsync/internal/chat"
	"github.com/usememos/chatsync/internal/netmon"
	"github.com/usememos/chatsync/plugin/ai"
	teststore "github.com/usememos/chatsync/store/test"
)

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, req *ai.Request) (string, error) {
	return "you said: " + req.Messages[len(req.Messages)-1].Content, nil
}

func call(t *testing.T, s *Service, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool := s.Server().GetTool(name)
	require.NotNil(t, tool, name)
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := tool.Handler(context.Background(), req)
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func TestTools(t *testing.T) {
	ctx := context.Background()
	st := teststore.NewTestingStore(ctx, t)
	chats := chat.NewStore(st)
	dispatcher := chat.NewDispatcher(chats, chat.NewAssembler(st, "", chat.DefaultContextPolicy()),
		echoGenerator{}, netmon.New(nil), chat.DispatcherConfig{})
	s := NewService(chats, dispatcher, nil, "test")

	require.Nil(t, s.Server().GetTool("search_messages"))

	res := call(t, s, "send_message", map[string]any{"content": "hi"})
	require.True(t, res.IsError)

	res = call(t, s, "create_chat", nil)
	require.False(t, res.IsError)

	res = call(t, s, "send_message", map[string]any{"content": "hello"})
	require.False(t, res.IsError)
	require.Equal(t, "you said: hello", text(t, res))

	res = call(t, s, "send_message", map[string]any{})
	require.True(t, res.IsError)

	res = call(t, s, "list_chats", nil)
	require.Contains(t, text(t, res), `"messages":2`)
	require.Contains(t, text(t, res), `"active":true`)
}
