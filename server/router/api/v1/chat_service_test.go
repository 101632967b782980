package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"github.com/usememos/chatsync/internal/chat"
	"github.com/usememos/chatsync/internal/netmon"
	"github.com/usememos/chatsync/plugin/ai"
	teststore "github.com/usememos/chatsync/store/test"
)

type generatorFunc func(ctx context.Context, req *ai.Request) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req *ai.Request) (string, error) {
	return f(ctx, req)
}

type testServer struct {
	handler http.Handler
	service *APIV1Service
}

func newTestServer(t *testing.T, generator ai.Generator) *testServer {
	t.Helper()
	ctx := context.Background()
	st := teststore.NewTestingStore(ctx, t)
	chats := chat.NewStore(st)
	monitor := netmon.New(nil)
	assembler := chat.NewAssembler(st, "", chat.DefaultContextPolicy())
	dispatcher := chat.NewDispatcher(chats, assembler, generator, monitor, chat.DispatcherConfig{})

	service := NewAPIV1Service(chats, dispatcher, monitor, nil)
	e := echo.New()
	service.RegisterGateway(e)
	return &testServer{handler: RecordStatus(e), service: service}
}

func (ts *testServer) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestChatLifecycle(t *testing.T) {
	ts := newTestServer(t, generatorFunc(func(context.Context, *ai.Request) (string, error) {
		return "Offer fluids and rest.", nil
	}))

	var created chatResponse
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/chats", "", &created))
	require.Equal(t, chat.DefaultTitle, created.Title)

	var active activeResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/active", "", &active))
	require.Equal(t, created.ID, active.ID)

	var submitted submitResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/messages", `{"content":"Fever of 39C"}`, &submitted))
	require.Equal(t, string(chat.OutcomeReplied), submitted.Outcome)
	require.Equal(t, "Offer fluids and rest.", submitted.Reply.Content)

	var messages []messageResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/chats/"+created.ID+"/messages", "", &messages))
	require.Len(t, messages, 2)
	require.Equal(t, "user", messages[0].Role)
	require.Equal(t, "assistant", messages[1].Role)

	var renamed chatResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, "/api/v1/chats/"+created.ID, `{"title":"Fever"}`, &renamed))
	require.Equal(t, "Fever", renamed.Title)

	var synced []chatResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/chats/sync", "", &synced))
	require.Len(t, synced, 1)
	require.Equal(t, 2, synced[0].MessageCount)

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/v1/chats/"+created.ID, "", nil))
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/v1/chats/"+created.ID, "", nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/active", "", &active))
	require.Empty(t, active.ID)
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t, generatorFunc(func(context.Context, *ai.Request) (string, error) {
		return "", &ai.RateLimitOrServerError{StatusCode: http.StatusTooManyRequests}
	}))

	require.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/v1/messages", `{"content":"hi"}`, nil))
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/chats", "", nil))
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/messages", `{"content":"   "}`, nil))
	require.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/messages", `{"content":"hi","chatId":"nope"}`, nil))

	var submitted submitResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/messages", `{"content":"Status?"}`, &submitted))
	require.Equal(t, string(chat.OutcomeFallback), submitted.Outcome)
	require.Equal(t, chat.ApologyText, submitted.Reply.Content)
}

func TestConnectivity(t *testing.T) {
	ts := newTestServer(t, generatorFunc(func(context.Context, *ai.Request) (string, error) {
		t.Fatal("generator must not be called while offline")
		return "", nil
	}))

	var conn connectivityResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/connectivity", "", &conn))
	require.True(t, conn.Online)
	require.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/api/v1/connectivity", `{}`, nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPut, "/api/v1/connectivity", `{"online":false}`, &conn))
	require.False(t, conn.Online)

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/chats", "", nil))
	var submitted submitResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/messages", `{"content":"Hello"}`, &submitted))
	require.Equal(t, string(chat.OutcomeOffline), submitted.Outcome)
	require.Equal(t, chat.OfflineText, submitted.Reply.Content)
}

func TestClearAndSearchDisabled(t *testing.T) {
	ts := newTestServer(t, generatorFunc(func(context.Context, *ai.Request) (string, error) { return "ok", nil }))
	for range 2 {
		require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/chats", "", nil))
	}
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/v1/chats", "", nil))

	var chats []chatResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/chats/sync", "", &chats))
	require.Empty(t, chats)

	require.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/api/v1/search?q=fever", "", nil))
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil))
}
