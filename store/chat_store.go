package store

import "context"

// CreateChat creates a new chat. The driver assigns the id and timestamps.
func (s *Store) CreateChat(ctx context.Context, create *Chat) (*Chat, error) {
	return s.driver.CreateChat(ctx, create)
}

// ListChats lists chats matching the filter, most recently updated first.
func (s *Store) ListChats(ctx context.Context, find *FindChat) ([]*Chat, error) {
	return s.driver.ListChats(ctx, find)
}

// GetChat returns the first chat matching the filter, or nil.
func (s *Store) GetChat(ctx context.Context, find *FindChat) (*Chat, error) {
	list, err := s.driver.ListChats(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateChat updates a chat's mutable fields and bumps its version.
func (s *Store) UpdateChat(ctx context.Context, update *UpdateChat) (*Chat, error) {
	return s.driver.UpdateChat(ctx, update)
}

// DeleteChat deletes a chat and all its messages (cascade).
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.driver.DeleteChat(ctx, id)
}

// DeleteAllChats deletes every chat and every message.
func (s *Store) DeleteAllChats(ctx context.Context) error {
	return s.driver.DeleteAllChats(ctx)
}

// CreateMessage appends a message to a chat and bumps the chat's version
// and updated_ts in the same transaction.
func (s *Store) CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

// ListMessages returns all messages of a chat, oldest first.
func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}
