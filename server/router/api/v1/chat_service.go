package v1

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/usememos/chatsync/internal/chat"
	"github.com/usememos/chatsync/store"
)

const defaultSearchLimit = 5

type chatResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Version      int64  `json:"version"`
	MessageCount int    `json:"messageCount"`
	CreatedTs    int64  `json:"createdTs"`
	UpdatedTs    int64  `json:"updatedTs"`
}

type messageResponse struct {
	ID        int32  `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedTs int64  `json:"createdTs"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type activeRequest struct {
	ID string `json:"id"`
}

type activeResponse struct {
	ID string `json:"id"`
}

type submitRequest struct {
	Content string `json:"content"`
	// ChatID targets a chat other than the active one.
	ChatID string `json:"chatId"`
}

type submitResponse struct {
	Token       uint64           `json:"token"`
	ChatID      string           `json:"chatId"`
	Outcome     string           `json:"outcome"`
	UserMessage messageResponse  `json:"userMessage"`
	Reply       *messageResponse `json:"reply,omitempty"`
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

type connectivityResponse struct {
	Online bool `json:"online"`
}

func (s *APIV1Service) registerChatRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/chats", s.listChats)
	g.POST("/chats", s.createChat)
	g.DELETE("/chats", s.clearChats)
	g.POST("/chats/sync", s.syncChats)
	g.PATCH("/chats/:id", s.renameChat)
	g.DELETE("/chats/:id", s.deleteChat)
	g.GET("/chats/:id/messages", s.listMessages)
	g.GET("/active", s.getActiveChat)
	g.PUT("/active", s.setActiveChat)
	g.POST("/messages", s.submitMessage)
	g.GET("/connectivity", s.getConnectivity)
	g.PUT("/connectivity", s.setConnectivity)
	g.GET("/search", s.searchMessages)
}

func (s *APIV1Service) healthz(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *APIV1Service) listChats(c *echo.Context) error {
	chats := s.Chats.Chats()
	resp := make([]chatResponse, 0, len(chats))
	for _, ch := range chats {
		resp = append(resp, convertChat(ch))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) createChat(c *echo.Context) error {
	created, err := s.Chats.CreateChat(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, convertChat(created))
}

func (s *APIV1Service) clearChats(c *echo.Context) error {
	if err := s.Chats.ClearChats(c.Request().Context()); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) syncChats(c *echo.Context) error {
	if err := s.Chats.FetchChats(c.Request().Context()); err != nil {
		return toHTTPError(err)
	}
	return s.listChats(c)
}

func (s *APIV1Service) renameChat(c *echo.Context) error {
	var req renameRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	updated, err := s.Chats.RenameChat(c.Request().Context(), c.Param("id"), req.Title)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, convertChat(updated))
}

func (s *APIV1Service) deleteChat(c *echo.Context) error {
	id := c.Param("id")
	if s.Chats.Chat(id) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "chat not found")
	}
	if err := s.Chats.DeleteChat(c.Request().Context(), id); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *APIV1Service) listMessages(c *echo.Context) error {
	ch := s.Chats.Chat(c.Param("id"))
	if ch == nil {
		return echo.NewHTTPError(http.StatusNotFound, "chat not found")
	}
	resp := make([]messageResponse, 0, len(ch.Messages))
	for i := range ch.Messages {
		resp = append(resp, convertMessage(&ch.Messages[i]))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) getActiveChat(c *echo.Context) error {
	return c.JSON(http.StatusOK, activeResponse{ID: s.Chats.ActiveChatID()})
}

func (s *APIV1Service) setActiveChat(c *echo.Context) error {
	var req activeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.Chats.SetActiveChat(req.ID); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, activeResponse{ID: s.Chats.ActiveChatID()})
}

func (s *APIV1Service) submitMessage(c *echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var result *chat.DispatchResult
	var err error
	if req.ChatID != "" {
		result, err = s.Dispatcher.SubmitTo(c.Request().Context(), req.ChatID, req.Content)
	} else {
		result, err = s.Dispatcher.Submit(c.Request().Context(), req.Content)
	}
	if err != nil {
		return toHTTPError(err)
	}

	resp := submitResponse{
		Token:       result.Token,
		ChatID:      result.ChatID,
		Outcome:     string(result.Outcome),
		UserMessage: convertMessage(result.UserMessage),
	}
	if result.Reply != nil {
		reply := convertMessage(result.Reply)
		resp.Reply = &reply
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) getConnectivity(c *echo.Context) error {
	return c.JSON(http.StatusOK, connectivityResponse{Online: s.Monitor.Online()})
}

func (s *APIV1Service) setConnectivity(c *echo.Context) error {
	var req connectivityRequest
	if err := c.Bind(&req); err != nil || req.Online == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "online required")
	}
	s.Monitor.Set(*req.Online)
	return c.JSON(http.StatusOK, connectivityResponse{Online: s.Monitor.Online()})
}

func (s *APIV1Service) searchMessages(c *echo.Context) error {
	if s.VectorStore == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "semantic search is not enabled")
	}
	query := c.Request().URL.Query()
	q := strings.TrimSpace(query.Get("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	k := defaultSearchLimit
	if raw := query.Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "k must be a positive integer")
		}
		k = n
	}
	results, err := s.VectorStore.Search(c.Request().Context(), query.Get("chatId"), q, k)
	if err != nil {
		slog.Error("semantic search failed", slog.String("error", err.Error()))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, results)
}

// toHTTPError maps engine errors onto status codes.
func toHTTPError(err error) error {
	var perr *chat.PersistenceError
	switch {
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrInvalidRole):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrChatNotFound), errors.Is(err, store.ErrChatNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrNoActiveChat), errors.Is(err, chat.ErrCoalesced), errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrBusy):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.As(err, &perr):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func convertChat(ch *chat.Chat) chatResponse {
	return chatResponse{
		ID:           ch.ID,
		Title:        ch.Title,
		Version:      ch.Version,
		MessageCount: len(ch.Messages),
		CreatedTs:    ch.CreatedAt.Unix(),
		UpdatedTs:    ch.UpdatedAt.Unix(),
	}
}

func convertMessage(m *chat.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedTs: m.CreatedAt.Unix(),
	}
}
