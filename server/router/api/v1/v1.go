package v1

import (
	"github.com/labstack/echo/v5"

	"github.com/usememos/chatsync/internal/chat"
	"github.com/usememos/chatsync/internal/netmon"
	"github.com/usememos/chatsync/plugin/vectorstore"
)

// APIV1Service exposes the chat engine over HTTP.
type APIV1Service struct {
	Chats      *chat.Store
	Dispatcher *chat.Dispatcher
	Monitor    *netmon.Monitor
	// VectorStore is nil when semantic search is disabled.
	VectorStore *vectorstore.Store
}

func NewAPIV1Service(chats *chat.Store, dispatcher *chat.Dispatcher, monitor *netmon.Monitor, vectorStore *vectorstore.Store) *APIV1Service {
	return &APIV1Service{
		Chats:       chats,
		Dispatcher:  dispatcher,
		Monitor:     monitor,
		VectorStore: vectorStore,
	}
}

// RegisterGateway registers every route on e.
func (s *APIV1Service) RegisterGateway(e *echo.Echo) {
	e.Use(requestIDMiddleware, metricsMiddleware)
	e.GET("/healthz", s.healthz)
	s.registerChatRoutes(e)
}
