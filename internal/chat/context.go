package chat

import (
	"context"

	"github.com/usememos/chatsync/plugin/ai"
	"github.com/usememos/chatsync/store"
)

const (
	DefaultSystemPrompt = "You are an AI assistant with expertise in pediatrics, based on Nelson's Book of Pediatrics. Provide accurate and helpful information for pediatric-related queries."

	OfflineText = "I'm sorry, but I'm currently offline. Your message has been saved and will be processed when you're back online."
	ApologyText = "I apologize, but I encountered an error while processing your request. Please try again later."
)

// ContextPolicy bounds the history sent for generation. Zero limits mean
// unbounded. The most recent messages are kept.
type ContextPolicy struct {
	MaxMessages int
	MaxChars    int
	// ExcludeFallbacks drops assistant messages carrying the offline or
	// apology text.
	ExcludeFallbacks bool
}

func DefaultContextPolicy() ContextPolicy {
	return ContextPolicy{ExcludeFallbacks: true}
}

// Assembler builds the message sequence passed to the generator.
type Assembler struct {
	gateway      Gateway
	systemPrompt string
	policy       ContextPolicy
}

func NewAssembler(gateway Gateway, systemPrompt string, policy ContextPolicy) *Assembler {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Assembler{
		gateway:      gateway,
		systemPrompt: systemPrompt,
		policy:       policy,
	}
}

// Assemble reads the chat history from the gateway, so a message persisted
// before the call is always part of it.
func (a *Assembler) Assemble(ctx context.Context, chatID string) ([]ai.Message, error) {
	list, err := a.gateway.ListMessages(ctx, &store.FindMessage{ChatID: chatID})
	if err != nil {
		return nil, &PersistenceError{Op: "list_messages", ChatID: chatID, Err: err}
	}
	history := make([]ai.Message, 0, len(list))
	for _, m := range list {
		history = append(history, ai.Message{Role: m.Role, Content: m.Content})
	}
	return a.Build(history), nil
}

// Build applies the policy to history and prepends the system instruction.
func (a *Assembler) Build(history []ai.Message) []ai.Message {
	window := a.policy.Apply(history)
	out := make([]ai.Message, 0, len(window)+1)
	out = append(out, ai.Message{Role: ai.RoleSystem, Content: a.systemPrompt})
	return append(out, window...)
}

// Apply returns the part of history the policy admits, in order.
// The newest message is always kept, even when it alone exceeds MaxChars.
func (p ContextPolicy) Apply(history []ai.Message) []ai.Message {
	filtered := history
	if p.ExcludeFallbacks {
		filtered = make([]ai.Message, 0, len(history))
		for _, m := range history {
			if IsFallback(m.Role, m.Content) {
				continue
			}
			filtered = append(filtered, m)
		}
	}

	start := 0
	if p.MaxMessages > 0 && len(filtered) > p.MaxMessages {
		start = len(filtered) - p.MaxMessages
	}
	if p.MaxChars > 0 {
		total := 0
		i := len(filtered) - 1
		for ; i >= start; i-- {
			total += len(filtered[i].Content)
			if total > p.MaxChars && i < len(filtered)-1 {
				break
			}
		}
		start = i + 1
	}
	return filtered[start:]
}

// IsFallback reports whether a message is one of the substituted replies.
func IsFallback(role, content string) bool {
	return role == RoleAssistant && (content == OfflineText || content == ApologyText)
}
