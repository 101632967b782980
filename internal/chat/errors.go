package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyMessage is returned for blank or whitespace-only user text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNoActiveChat is returned by Submit when no chat is selected.
	ErrNoActiveChat = errors.New("no active chat")
	// ErrChatNotFound is returned when an id is not in the local view.
	ErrChatNotFound = errors.New("chat not found")
	// ErrCoalesced is returned to a submission replaced by a newer one inside the coalescing window.
	ErrCoalesced = errors.New("submission coalesced into a newer one")
	// ErrBusy is returned when a flight is already running for the chat and the busy policy ignores new ones.
	ErrBusy = errors.New("a reply is already being generated for this chat")
	// ErrInvalidRole is returned for a message role outside user, assistant and system.
	ErrInvalidRole = errors.New("invalid message role")
)

// PersistenceError reports a failed remote write or read. Local state is
// left untouched when it is returned.
type PersistenceError struct {
	Op     string
	ChatID string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.ChatID == "" {
		return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence: %s chat %s: %v", e.Op, e.ChatID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// GenerationError wraps any failure to obtain a reply. The dispatcher
// recovers from it with the apology text.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return "generation failed: " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
