package ai

import (
	"context"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a role/content pair sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	// Temperature falls back to DefaultTemperature when nil.
	Temperature *float64
}

func (r *Request) temperature() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

// Generator produces the assistant's next message for a conversation.
// Failures are one of *AuthError, *RateLimitOrServerError or *NetworkError.
type Generator interface {
	Generate(ctx context.Context, req *Request) (string, error)
}

// AuthError is returned when the provider rejects the credential.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("ai: authentication failed (status %d): %s", e.StatusCode, e.Body)
}

// RateLimitOrServerError is returned for throttling, server failures and any
// other non-success status.
type RateLimitOrServerError struct {
	StatusCode int
	Body       string
}

func (e *RateLimitOrServerError) Error() string {
	return fmt.Sprintf("ai: request failed (status %d): %s", e.StatusCode, e.Body)
}

// NetworkError is returned when the provider could not be reached or its
// answer could not be read.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "ai: network error: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ErrorFromStatus maps a non-success HTTP status onto the error taxonomy.
func ErrorFromStatus(status int, body string) error {
	switch status {
	case 401, 403:
		return &AuthError{StatusCode: status, Body: body}
	default:
		return &RateLimitOrServerError{StatusCode: status, Body: body}
	}
}
