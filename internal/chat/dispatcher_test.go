package chat_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usememos/chatsync/internal/chat"
	"github.com/usememos/chatsync/plugin/ai"
	"github.com/usememos/chatsync/store"
)

type dispatchFixture struct {
	gateway   *memGateway
	store     *chat.Store
	generator *fakeGenerator
	chat      *chat.Chat
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	gateway := newMemGateway()
	s := chat.NewStore(gateway)
	c, err := s.CreateChat(context.Background())
	require.NoError(t, err)
	return &dispatchFixture{
		gateway:   gateway,
		store:     s,
		generator: &fakeGenerator{},
		chat:      c,
	}
}

func (f *dispatchFixture) dispatcher(generator ai.Generator, online bool, config chat.DispatcherConfig) *chat.Dispatcher {
	assembler := chat.NewAssembler(f.gateway, "", chat.DefaultContextPolicy())
	return chat.NewDispatcher(f.store, assembler, generator, staticMonitor(online), config)
}

func (f *dispatchFixture) contents() []string {
	out := []string{}
	for _, m := range f.store.Chat(f.chat.ID).Messages {
		out = append(out, m.Role+":"+m.Content)
	}
	return out
}

func TestSubmitOffline(t *testing.T) {
	f := newDispatchFixture(t)
	d := f.dispatcher(f.generator, false, chat.DispatcherConfig{})

	result, err := d.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeOffline, result.Outcome)
	require.Zero(t, f.generator.calls())

	require.Equal(t, []string{
		"user:Hello",
		"assistant:" + chat.OfflineText,
	}, f.contents())
	require.Equal(t, f.chat.ID, f.store.ActiveChatID())
}

func TestSubmitRateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer ts.Close()

	f := newDispatchFixture(t)
	generator := ai.NewCompletionClient(ai.Config{BaseURL: ts.URL, APIKey: "k", Timeout: 5 * time.Second})
	d := f.dispatcher(generator, true, chat.DispatcherConfig{Model: "mistral"})

	result, err := d.Submit(context.Background(), "Status?")
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeFallback, result.Outcome)
	require.Equal(t, []string{
		"user:Status?",
		"assistant:" + chat.ApologyText,
	}, f.contents())
}

func TestSubmitReplied(t *testing.T) {
	f := newDispatchFixture(t)
	f.generator.fn = func(_ context.Context, req *ai.Request) (string, error) {
		return "Keep them hydrated.", nil
	}
	temperature := 0.7
	d := f.dispatcher(f.generator, true, chat.DispatcherConfig{Model: "mistral", MaxTokens: 1000, Temperature: &temperature})

	result, err := d.Submit(context.Background(), "My child has a fever")
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeReplied, result.Outcome)
	require.Equal(t, "Keep them hydrated.", result.Reply.Content)
	require.Equal(t, "My child has a fever", result.UserMessage.Content)

	req := f.generator.request(0)
	require.Equal(t, "mistral", req.Model)
	require.Equal(t, 1000, req.MaxTokens)
	require.Equal(t, &temperature, req.Temperature)
	require.Equal(t, []ai.Message{
		{Role: ai.RoleSystem, Content: chat.DefaultSystemPrompt},
		{Role: ai.RoleUser, Content: "My child has a fever"},
	}, req.Messages)
	require.False(t, d.Busy(f.chat.ID))
}

func TestSubmitGenerationFailureAppendsOneApology(t *testing.T) {
	for name, genErr := range map[string]error{
		"auth":    &ai.AuthError{StatusCode: 401},
		"server":  &ai.RateLimitOrServerError{StatusCode: 503},
		"network": &ai.NetworkError{Err: errors.New("dial tcp: refused")},
	} {
		t.Run(name, func(t *testing.T) {
			f := newDispatchFixture(t)
			f.generator.fn = func(context.Context, *ai.Request) (string, error) { return "", genErr }
			d := f.dispatcher(f.generator, true, chat.DispatcherConfig{})

			result, err := d.Submit(context.Background(), "Hi")
			require.NoError(t, err)
			require.Equal(t, chat.OutcomeFallback, result.Outcome)
			require.Equal(t, []string{"user:Hi", "assistant:" + chat.ApologyText}, f.contents())
		})
	}
}

func TestSubmitEmptyReplyIsFailure(t *testing.T) {
	f := newDispatchFixture(t)
	f.generator.fn = func(context.Context, *ai.Request) (string, error) { return "  ", nil }
	d := f.dispatcher(f.generator, true, chat.DispatcherConfig{})

	result, err := d.Submit(context.Background(), "Hi")
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeFallback, result.Outcome)
	require.Equal(t, chat.ApologyText, result.Reply.Content)
}

func TestSubmitPreconditions(t *testing.T) {
	f := newDispatchFixture(t)
	d := f.dispatcher(f.generator, true, chat.DispatcherConfig{})

	_, err := d.Submit(context.Background(), "   ")
	require.ErrorIs(t, err, chat.ErrEmptyMessage)

	require.NoError(t, f.store.SetActiveChat(""))
	_, err = d.Submit(context.Background(), "Hi")
	require.ErrorIs(t, err, chat.ErrNoActiveChat)

	_, err = d.SubmitTo(context.Background(), "missing", "Hi")
	require.ErrorIs(t, err, chat.ErrChatNotFound)

	require.Zero(t, f.generator.calls())
	require.Zero(t, f.gateway.messageCount(f.chat.ID))
}

func TestSubmitUserPersistenceFailure(t *testing.T) {
	f := newDispatchFixture(t)
	f.gateway.createMessageErr = func(*store.CreateMessage) error { return errors.New("unavailable") }
	d := f.dispatcher(f.generator, true, chat.DispatcherConfig{})

	_, err := d.Submit(context.Background(), "Hi")
	var perr *chat.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Zero(t, f.generator.calls())
	require.Empty(t, f.contents())
	require.False(t, d.Busy(f.chat.ID))
}

func TestSubmitReplyPersistenceFailureIsLogged(t *testing.T) {
	f := newDispatchFixture(t)
	f.gateway.createMessageErr = func(create *store.CreateMessage) error {
		if create.Role == chat.RoleAssistant {
			return errors.New("unavailable")
		}
		return nil
	}
	d := f.dispatcher(f.generator, true, chat.DispatcherConfig{})

	result, err := d.Submit(context.Background(), "Hi")
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeReplyNotPersisted, result.Outcome)
	require.Nil(t, result.Reply)
	require.Equal(t, []string{"user:Hi"}, f.contents())
}

func TestSubmitCoalescesWithinWindow(t *testing.T) {
	f := newDispatchFixture(t)
	d := f.dispatcher(f.generator, true, chat.DispatcherConfig{CoalesceWindow: 200 * time.Millisecond})

	var firstErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = d.Submit(context.Background(), "first")
	}()
	require.Eventually(t, func() bool { return d.LatestToken(f.chat.ID) == 1 }, time.Second, time.Millisecond)

	result, err := d.Submit(context.Background(), "second")
	require.NoError(t, err)
	wg.Wait()

	require.ErrorIs(t, firstErr, chat.ErrCoalesced)
	require.Equal(t, uint64(2), result.Token)
	require.Equal(t, 1, f.generator.calls())
	require.Equal(t, []string{"user:second", "assistant:ok"}, f.contents())
}

func TestSubmitWhileBusyIsIgnored(t *testing.T) {
	f := newDispatchFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.generator.fn = func(context.Context, *ai.Request) (string, error) {
		close(started)
		<-release
		return "first reply", nil
	}
	d := f.dispatcher(f.generator, true, chat.DispatcherConfig{BusyPolicy: chat.BusyIgnore})

	done := make(chan *chat.DispatchResult)
	go func() {
		result, _ := d.Submit(context.Background(), "first")
		done <- result
	}()
	<-started
	require.True(t, d.Busy(f.chat.ID))

	_, err := d.Submit(context.Background(), "second")
	require.ErrorIs(t, err, chat.ErrBusy)

	close(release)
	result := <-done
	require.Equal(t, chat.OutcomeReplied, result.Outcome)
	require.Equal(t, []string{"user:first", "assistant:first reply"}, f.contents())
	require.False(t, d.Busy(f.chat.ID))
}

func TestSubmitWhileBusySupersedes(t *testing.T) {
	f := newDispatchFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	call := 0
	f.generator.fn = func(context.Context, *ai.Request) (string, error) {
		mu.Lock()
		call++
		n := call
		mu.Unlock()
		if n == 1 {
			close(started)
			<-release
			return "stale reply", nil
		}
		return "fresh reply", nil
	}
	d := f.dispatcher(f.generator, true, chat.DispatcherConfig{BusyPolicy: chat.BusySupersede})

	done := make(chan *chat.DispatchResult)
	go func() {
		result, _ := d.Submit(context.Background(), "first")
		done <- result
	}()
	<-started

	second, err := d.Submit(context.Background(), "second")
	require.NoError(t, err)
	require.Equal(t, chat.OutcomeReplied, second.Outcome)

	close(release)
	first := <-done
	require.Equal(t, chat.OutcomeSuperseded, first.Outcome)
	require.Nil(t, first.Reply)

	require.Equal(t, []string{"user:first", "user:second", "assistant:fresh reply"}, f.contents())
	require.False(t, d.Busy(f.chat.ID))
}

func TestFallbacksStayOutOfContext(t *testing.T) {
	f := newDispatchFixture(t)
	offline := f.dispatcher(f.generator, false, chat.DispatcherConfig{})
	_, err := offline.Submit(context.Background(), "Hello")
	require.NoError(t, err)

	online := f.dispatcher(f.generator, true, chat.DispatcherConfig{})
	_, err = online.Submit(context.Background(), "Are you there?")
	require.NoError(t, err)

	require.Equal(t, []ai.Message{
		{Role: ai.RoleSystem, Content: chat.DefaultSystemPrompt},
		{Role: ai.RoleUser, Content: "Hello"},
		{Role: ai.RoleUser, Content: "Are you there?"},
	}, f.generator.request(0).Messages)
	require.Len(t, f.contents(), 4)
}

func TestParseBusyPolicy(t *testing.T) {
	p, err := chat.ParseBusyPolicy("supersede")
	require.NoError(t, err)
	require.Equal(t, chat.BusySupersede, p)
	p, err = chat.ParseBusyPolicy("")
	require.NoError(t, err)
	require.Equal(t, chat.BusyIgnore, p)
	_, err = chat.ParseBusyPolicy("queue")
	require.Error(t, err)
}

func TestDispatcherForgetsIdleChats(t *testing.T) {
	f := newDispatchFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.generator.fn = func(context.Context, *ai.Request) (string, error) {
		close(started)
		<-release
		return "done", nil
	}
	d := f.dispatcher(f.generator, true, chat.DispatcherConfig{BusyPolicy: chat.BusyIgnore})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Submit(context.Background(), "first")
	}()
	<-started
	_, err := d.Submit(context.Background(), "second")
	require.ErrorIs(t, err, chat.ErrBusy)
	require.Equal(t, uint64(2), d.LatestToken(f.chat.ID))

	close(release)
	<-done
	require.Zero(t, d.LatestToken(f.chat.ID))
	require.False(t, d.Busy(f.chat.ID))

	// A fresh flight starts over once the chat went idle.
	f.generator.fn = nil
	result, err := d.Submit(context.Background(), "third")
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Token)
	require.Zero(t, d.LatestToken(f.chat.ID))
}
