package vectorstore

import (
	"context"
	"log/slog"

	"github.com/usememos/chatsync/internal/chat"
)

// Indexer keeps a Store in step with a chat.Store through its events.
// Embedding calls run on the Run goroutine, never on the caller of the
// chat.Store mutation.
type Indexer struct {
	index  *Store
	chats  *chat.Store
	events chan chat.Event
	logger *slog.Logger
}

func NewIndexer(index *Store, chats *chat.Store, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		index:  index,
		chats:  chats,
		events: make(chan chat.Event, 256),
		logger: logger,
	}
}

// Attach queues chat.Store events for Run. Events are dropped with a
// warning when the queue is full.
func (i *Indexer) Attach() (detach func()) {
	return i.chats.Subscribe(func(e chat.Event) {
		select {
		case i.events <- e:
		default:
			i.logger.Warn("vector index queue full, dropping event", slog.String("kind", string(e.Kind)))
		}
	})
}

// Run applies queued events until ctx is done.
func (i *Indexer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-i.events:
			if err := i.Handle(ctx, e); err != nil {
				i.logger.Error("failed to update vector index",
					slog.String("kind", string(e.Kind)),
					slog.String("chat", e.ChatID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Handle applies a single event to the index.
func (i *Indexer) Handle(ctx context.Context, e chat.Event) error {
	switch e.Kind {
	case chat.EventMessageAdded:
		if e.Message == nil || chat.IsFallback(e.Message.Role, e.Message.Content) {
			return nil
		}
		return i.index.Upsert(ctx, Document{
			ChatID:    e.ChatID,
			MessageID: e.Message.ID,
			Role:      e.Message.Role,
			Content:   e.Message.Content,
		})
	case chat.EventChatDeleted:
		return i.index.DeleteChat(ctx, e.ChatID)
	case chat.EventChatsCleared:
		for _, id := range e.ChatIDs {
			if err := i.index.DeleteChat(ctx, id); err != nil {
				return err
			}
		}
		return nil
	case chat.EventChatsSynced, chat.EventRestored:
		return i.Reindex(ctx)
	}
	return nil
}

// Reindex rebuilds the index from the local view, so chats a resync
// removed stop showing up in searches.
func (i *Indexer) Reindex(ctx context.Context) error {
	var docs []Document
	for _, c := range i.chats.Chats() {
		for _, m := range c.Messages {
			if chat.IsFallback(m.Role, m.Content) {
				continue
			}
			docs = append(docs, Document{
				ChatID:    c.ID,
				MessageID: m.ID,
				Role:      m.Role,
				Content:   m.Content,
			})
		}
	}
	return i.index.Replace(ctx, docs)
}
