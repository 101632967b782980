// Package mcp exposes the chat engine as MCP tools over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/usememos/chatsync/internal/chat"
	"github.com/usememos/chatsync/plugin/vectorstore"
)

const defaultSearchLimit = 5

type Service struct {
	chats       *chat.Store
	dispatcher  *chat.Dispatcher
	vectorStore *vectorstore.Store
	server      *server.MCPServer
}

// NewService builds the MCP server. vectorStore may be nil, in which case
// search_messages is not offered.
func NewService(chats *chat.Store, dispatcher *chat.Dispatcher, vectorStore *vectorstore.Store, version string) *Service {
	s := &Service{
		chats:       chats,
		dispatcher:  dispatcher,
		vectorStore: vectorStore,
		server: server.NewMCPServer("chatsync", version,
			server.WithToolCapabilities(false),
			server.WithInstructions("Hold pediatric chat sessions with the assistant. Create a chat, then send messages to it."),
		),
	}

	s.server.AddTool(mcp.NewTool("list_chats",
		mcp.WithDescription("List chats, most recently updated first."),
	), s.listChats)
	s.server.AddTool(mcp.NewTool("create_chat",
		mcp.WithDescription("Create an empty chat and make it the active one."),
	), s.createChat)
	s.server.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message to a chat and return the assistant's reply."),
		mcp.WithString("content", mcp.Required(), mcp.Description("The message text")),
		mcp.WithString("chat_id", mcp.Description("Target chat; defaults to the active chat")),
	), s.sendMessage)
	if vectorStore != nil {
		s.server.AddTool(mcp.NewTool("search_messages",
			mcp.WithDescription("Search earlier messages semantically."),
			mcp.WithString("query", mcp.Required(), mcp.Description("What to look for")),
			mcp.WithString("chat_id", mcp.Description("Restrict the search to one chat")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results")),
		), s.searchMessages)
	}
	return s
}

// Server returns the underlying MCP server.
func (s *Service) Server() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP on stdin/stdout until the input is closed.
func (s *Service) ServeStdio() error {
	return server.ServeStdio(s.server)
}

type chatSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Messages int    `json:"messages"`
	Active   bool   `json:"active"`
}

func (s *Service) listChats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active := s.chats.ActiveChatID()
	out := []chatSummary{}
	for _, c := range s.chats.Chats() {
		out = append(out, chatSummary{
			ID:       c.ID,
			Title:    c.Title,
			Messages: len(c.Messages),
			Active:   c.ID == active,
		})
	}
	return structured(out)
}

func (s *Service) createChat(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	created, err := s.chats.CreateChat(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("failed to create chat", err), nil
	}
	return structured(chatSummary{ID: created.ID, Title: created.Title, Active: true})
}

func (s *Service) sendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var result *chat.DispatchResult
	if chatID := request.GetString("chat_id", ""); chatID != "" {
		result, err = s.dispatcher.SubmitTo(ctx, chatID, content)
	} else {
		result, err = s.dispatcher.Submit(ctx, content)
	}
	if err != nil {
		return mcp.NewToolResultErrorFromErr("failed to send message", err), nil
	}
	if result.Reply == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Message saved; no reply (%s).", result.Outcome)), nil
	}
	return mcp.NewToolResultText(result.Reply.Content), nil
}

func (s *Service) searchMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil || strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	limit := request.GetInt("limit", defaultSearchLimit)
	results, err := s.vectorStore.Search(ctx, request.GetString("chat_id", ""), query, limit)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("search failed", err), nil
	}
	if results == nil {
		results = []vectorstore.SearchResult{}
	}
	return structured(results)
}

func structured(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultStructured(v, string(data)), nil
}
