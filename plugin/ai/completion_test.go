package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompletionClientGenerate(t *testing.T) {
	var got completionRequest
	var auth, path string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Rest and fluids."}}]}`))
	}))
	defer ts.Close()

	client := NewCompletionClient(Config{BaseURL: ts.URL + "/", APIKey: "secret", Timeout: 5 * time.Second})
	reply, err := client.Generate(context.Background(), &Request{
		Model:    "mistral",
		Messages: []Message{{Role: RoleUser, Content: "Fever?"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Rest and fluids.", reply)
	require.Equal(t, "Bearer secret", auth)
	require.Equal(t, "/chat/completions", path)
	require.Equal(t, "mistral-tiny", got.Model)
	require.Equal(t, DefaultMaxTokens, got.MaxTokens)
	require.Equal(t, DefaultTemperature, got.Temperature)
	require.Equal(t, []Message{{Role: RoleUser, Content: "Fever?"}}, got.Messages)
}

func TestCompletionClientSendsZeroTemperature(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer ts.Close()

	zero := 0.0
	_, err := NewCompletionClient(Config{BaseURL: ts.URL}).Generate(context.Background(), &Request{Model: "m", Temperature: &zero})
	require.NoError(t, err)
	require.Contains(t, got, "temperature")
	require.Zero(t, got["temperature"])
}

func TestCompletionClientErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		"unauthorized": {http.StatusUnauthorized, `{"message":"bad key"}`, func(t *testing.T, err error) {
			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			require.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
		}},
		"rate limited": {http.StatusTooManyRequests, `slow down`, func(t *testing.T, err error) {
			var serverErr *RateLimitOrServerError
			require.ErrorAs(t, err, &serverErr)
			require.Equal(t, "slow down", serverErr.Body)
		}},
		"no choices": {http.StatusOK, `{"choices":[]}`, func(t *testing.T, err error) {
			var serverErr *RateLimitOrServerError
			require.ErrorAs(t, err, &serverErr)
		}},
		"garbage": {http.StatusOK, `not json`, func(t *testing.T, err error) {
			var netErr *NetworkError
			require.ErrorAs(t, err, &netErr)
		}},
	} {
		t.Run(name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			_, err := NewCompletionClient(Config{BaseURL: ts.URL}).Generate(context.Background(), &Request{Model: "m"})
			tc.check(t, err)
		})
	}
}

func TestCompletionClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewCompletionClient(Config{BaseURL: url, Timeout: time.Second}).Generate(context.Background(), &Request{Model: "m"})
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
}

func TestResolveModel(t *testing.T) {
	require.Equal(t, "mistral-tiny", ResolveModel("mistral"))
	require.Equal(t, "mistral-large-latest", ResolveModel("mistral-large-latest"))
}
