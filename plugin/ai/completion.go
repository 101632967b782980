package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseURL     = "https://api.mistral.ai/v1"
	DefaultMaxTokens   = 1000
	DefaultTemperature = 0.7
)

// modelAliases maps short model names onto provider model ids.
var modelAliases = map[string]string{
	"mistral": "mistral-tiny",
}

// Config configures a completion client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// CompletionClient talks to an OpenAI-compatible /chat/completions endpoint.
type CompletionClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCompletionClient(cfg Config) *CompletionClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &CompletionClient{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  client,
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *CompletionClient) Generate(ctx context.Context, req *Request) (string, error) {
	body := completionRequest{
		Model:       ResolveModel(req.Model),
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.temperature(),
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = DefaultMaxTokens
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions",
		bytes.NewReader(bodyBytes))
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", ErrorFromStatus(resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var apiResp completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", &NetworkError{Err: errors.Wrap(err, "failed to decode completion response")}
	}
	if len(apiResp.Choices) == 0 {
		return "", &RateLimitOrServerError{StatusCode: resp.StatusCode, Body: "empty response from LLM"}
	}
	return apiResp.Choices[0].Message.Content, nil
}

// ResolveModel expands a model alias.
func ResolveModel(model string) string {
	if v, ok := modelAliases[model]; ok {
		return v
	}
	return model
}
