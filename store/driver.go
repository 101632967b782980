package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	// Chat model related methods.
	CreateChat(ctx context.Context, create *Chat) (*Chat, error)
	ListChats(ctx context.Context, find *FindChat) ([]*Chat, error)
	UpdateChat(ctx context.Context, update *UpdateChat) (*Chat, error)
	DeleteChat(ctx context.Context, id string) error
	DeleteAllChats(ctx context.Context) error

	// Message model related methods.
	CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
}
