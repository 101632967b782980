package chat_test

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/usememos/chatsync/plugin/ai"
	"github.com/usememos/chatsync/store"
)

// memGateway is an in-memory gateway with a logical clock that advances one
// second per write.
type memGateway struct {
	mu       sync.Mutex
	clock    int64
	nextChat int
	nextMsg  int32
	chats    map[string]*store.Chat
	messages map[string][]*store.Message

	createMessageErr func(create *store.CreateMessage) error
	listMessagesErr  error
	deleteErr        error
	createChatErr    error
}

func newMemGateway() *memGateway {
	return &memGateway{
		clock:    1_700_000_000,
		chats:    map[string]*store.Chat{},
		messages: map[string][]*store.Message{},
	}
}

func (g *memGateway) tick() int64 {
	g.clock++
	return g.clock
}

func (g *memGateway) CreateChat(_ context.Context, create *store.Chat) (*store.Chat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createChatErr != nil {
		return nil, g.createChatErr
	}
	g.nextChat++
	now := g.tick()
	chat := &store.Chat{
		ID:        fmt.Sprintf("chat-%d", g.nextChat),
		Title:     create.Title,
		Version:   1,
		CreatedTs: now,
		UpdatedTs: now,
	}
	g.chats[chat.ID] = chat
	out := *chat
	return &out, nil
}

func (g *memGateway) ListChats(_ context.Context, find *store.FindChat) ([]*store.Chat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := []*store.Chat{}
	for _, c := range g.chats {
		if find.ID != nil && *find.ID != c.ID {
			continue
		}
		out := *c
		list = append(list, &out)
	}
	slices.SortFunc(list, func(a, b *store.Chat) int {
		if a.UpdatedTs != b.UpdatedTs {
			return int(b.UpdatedTs - a.UpdatedTs)
		}
		return int(b.CreatedTs - a.CreatedTs)
	})
	return list, nil
}

func (g *memGateway) UpdateChat(_ context.Context, update *store.UpdateChat) (*store.Chat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	chat, ok := g.chats[update.ID]
	if !ok {
		return nil, store.ErrChatNotFound
	}
	if update.ExpectedVersion != 0 && update.ExpectedVersion != chat.Version {
		return nil, store.ErrVersionConflict
	}
	if update.Title != nil {
		chat.Title = *update.Title
	}
	chat.Version++
	chat.UpdatedTs = g.tick()
	out := *chat
	return &out, nil
}

func (g *memGateway) DeleteChat(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteErr != nil {
		return g.deleteErr
	}
	delete(g.chats, id)
	delete(g.messages, id)
	return nil
}

func (g *memGateway) DeleteAllChats(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteErr != nil {
		return g.deleteErr
	}
	g.chats = map[string]*store.Chat{}
	g.messages = map[string][]*store.Message{}
	return nil
}

func (g *memGateway) CreateMessage(_ context.Context, create *store.CreateMessage) (*store.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createMessageErr != nil {
		if err := g.createMessageErr(create); err != nil {
			return nil, err
		}
	}
	chat, ok := g.chats[create.ChatID]
	if !ok {
		return nil, store.ErrChatNotFound
	}
	if create.ExpectedVersion != 0 && create.ExpectedVersion != chat.Version {
		return nil, store.ErrVersionConflict
	}
	g.nextMsg++
	msg := &store.Message{
		ID:        g.nextMsg,
		ChatID:    create.ChatID,
		Role:      create.Role,
		Content:   create.Content,
		CreatedTs: g.tick(),
	}
	g.messages[create.ChatID] = append(g.messages[create.ChatID], msg)
	chat.Version++
	chat.UpdatedTs = max(chat.UpdatedTs, msg.CreatedTs)
	out := *msg
	return &out, nil
}

func (g *memGateway) ListMessages(_ context.Context, find *store.FindMessage) ([]*store.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listMessagesErr != nil {
		return nil, g.listMessagesErr
	}
	list := []*store.Message{}
	for _, m := range g.messages[find.ChatID] {
		out := *m
		list = append(list, &out)
	}
	return list, nil
}

func (g *memGateway) messageCount(chatID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.messages[chatID])
}

// fakeGenerator records requests and answers through fn.
type fakeGenerator struct {
	mu       sync.Mutex
	requests []*ai.Request
	fn       func(ctx context.Context, req *ai.Request) (string, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, req *ai.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return "ok", nil
	}
	return fn(ctx, req)
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeGenerator) request(i int) *ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// gatedGateway parks the first ListMessages or CreateMessage call until
// release is closed.
type gatedGateway struct {
	*memGateway
	gateList   bool
	gateCreate bool

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedGateway() *gatedGateway {
	return &gatedGateway{
		memGateway: newMemGateway(),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (g *gatedGateway) park() {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

func (g *gatedGateway) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	if g.gateList {
		g.park()
	}
	return g.memGateway.ListMessages(ctx, find)
}

func (g *gatedGateway) CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error) {
	if g.gateCreate {
		g.park()
	}
	return g.memGateway.CreateMessage(ctx, create)
}

type staticMonitor bool

func (m staticMonitor) Online() bool {
	return bool(m)
}
