package ai

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangchainClient generates replies through langchaingo's OpenAI-compatible
// model. Provider errors carry no status code, so the HTTP status is
// read back from the client's "status code: N" error text.
type LangchainClient struct {
	llm *openai.LLM
}

func NewLangchainClient(cfg Config, model string) (*LangchainClient, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(ResolveModel(model)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, openai.WithHTTPClient(cfg.HTTPClient))
	} else if cfg.Timeout > 0 {
		opts = append(opts, openai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create langchain openai client")
	}
	return &LangchainClient{llm: llm}, nil
}

func (c *LangchainClient) Generate(ctx context.Context, req *Request) (string, error) {
	content := make([]llms.MessageContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		content = append(content, llms.TextParts(messageType(m.Role), m.Content))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}
	callOpts := []llms.CallOption{
		llms.WithMaxTokens(maxTokens),
		llms.WithTemperature(req.temperature()),
	}
	if req.Model != "" {
		callOpts = append(callOpts, llms.WithModel(ResolveModel(req.Model)))
	}

	resp, err := c.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", classifyLangchainError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &RateLimitOrServerError{Body: "empty response from LLM"}
	}
	return resp.Choices[0].Content, nil
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// statusMarker prefixes the HTTP status in langchaingo's openai client
// errors, e.g. "API returned unexpected status code: 429: slow down".
const statusMarker = "status code: "

func classifyLangchainError(err error) error {
	if status := statusFromError(err); status != 0 {
		return ErrorFromStatus(status, err.Error())
	}
	var llmErr *llms.Error
	if errors.As(err, &llmErr) {
		switch llmErr.Code {
		case llms.ErrCodeAuthentication:
			return &AuthError{StatusCode: http.StatusUnauthorized, Body: err.Error()}
		case llms.ErrCodeRateLimit, llms.ErrCodeQuotaExceeded, llms.ErrCodeProviderUnavailable:
			return &RateLimitOrServerError{Body: err.Error()}
		}
	}
	return &NetworkError{Err: err}
}

// statusFromError returns the HTTP status reported after statusMarker, or
// 0 when the error carries none.
func statusFromError(err error) int {
	msg := err.Error()
	i := strings.Index(msg, statusMarker)
	if i < 0 {
		return 0
	}
	digits := msg[i+len(statusMarker):]
	end := 0
	for end < len(digits) && end < 3 && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}
	if end != 3 {
		return 0
	}
	status, err := strconv.Atoi(digits[:end])
	if err != nil || status < 100 {
		return 0
	}
	return status
}
