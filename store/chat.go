package store

// Chat is a single persisted conversation thread.
type Chat struct {
	ID    string
	Title string
	// Version is bumped by every write that touches the chat row.
	Version   int64
	CreatedTs int64
	UpdatedTs int64
}

// Message is a single message within a chat.
type Message struct {
	ID        int32
	ChatID    string
	Role      string // "user" | "assistant" | "system"
	Content   string
	CreatedTs int64
}

// FindChat filters for ListChats.
type FindChat struct {
	ID *string
}

// UpdateChat carries fields accepted by UpdateChat.
type UpdateChat struct {
	ID    string
	Title *string
	// ExpectedVersion rejects the update with ErrVersionConflict when non-zero
	// and different from the stored version.
	ExpectedVersion int64
}

// FindMessage filters for ListMessages.
type FindMessage struct {
	ChatID string
}

// CreateMessage is the payload for CreateMessage.
type CreateMessage struct {
	ChatID          string
	Role            string
	Content         string
	ExpectedVersion int64
}
