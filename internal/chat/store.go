package chat

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usememos/chatsync/internal/metrics"
	"github.com/usememos/chatsync/store"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	// DefaultTitle is the title given to every new chat.
	DefaultTitle = "New Chat"

	defaultFetchConcurrency = 4
)

// Gateway is the remote store the local view is kept consistent with.
// *store.Store implements it.
type Gateway interface {
	CreateChat(ctx context.Context, create *store.Chat) (*store.Chat, error)
	ListChats(ctx context.Context, find *store.FindChat) ([]*store.Chat, error)
	UpdateChat(ctx context.Context, update *store.UpdateChat) (*store.Chat, error)
	DeleteChat(ctx context.Context, id string) error
	DeleteAllChats(ctx context.Context) error
	CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error)
	ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error)
}

var _ Gateway = (*store.Store)(nil)

type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int64     `json:"version"`
}

type Message struct {
	ID        int32     `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage is the caller supplied part of a message.
type NewMessage struct {
	Role    string
	Content string
}

func (c *Chat) clone() *Chat {
	out := *c
	out.Messages = slices.Clone(c.Messages)
	return &out
}

type EventKind string

const (
	EventChatCreated   EventKind = "chat_created"
	EventChatUpdated   EventKind = "chat_updated"
	EventChatDeleted   EventKind = "chat_deleted"
	EventMessageAdded  EventKind = "message_added"
	EventChatsCleared  EventKind = "chats_cleared"
	EventChatsSynced   EventKind = "chats_synced"
	EventActiveChanged EventKind = "active_changed"
	EventRestored      EventKind = "restored"
)

// Event describes a committed change to the local view.
type Event struct {
	Kind   EventKind
	ChatID string
	// ChatIDs lists the chats affected by clear, sync and restore.
	ChatIDs []string
	Message *Message
}

// Store is the local view of the remote chats. Every mutation is written
// to the gateway first and applied locally only after it succeeds.
type Store struct {
	gateway          Gateway
	logger           *slog.Logger
	fetchConcurrency int

	mu     sync.RWMutex
	chats  []*Chat
	active string
	// appendMu serializes appends per chat so the expected version sent
	// with each insert is the one the previous insert produced.
	appendMu map[string]*sync.Mutex

	subMu     sync.Mutex
	subs      map[int]func(Event)
	nextSubID int
}

type StoreOption func(*Store)

func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithFetchConcurrency bounds the parallel message list loads of FetchChats.
func WithFetchConcurrency(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.fetchConcurrency = n
		}
	}
}

func NewStore(gateway Gateway, opts ...StoreOption) *Store {
	s := &Store{
		gateway:          gateway,
		logger:           slog.Default(),
		fetchConcurrency: defaultFetchConcurrency,
		appendMu:         make(map[string]*sync.Mutex),
		subs:             make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for every committed change. Events are delivered
// synchronously after the change, outside the store's lock.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(event Event) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

func (s *Store) persistenceError(op, chatID string, err error) error {
	metrics.PersistenceErrors.WithLabelValues(op).Inc()
	s.logger.Error("remote store operation failed",
		slog.String("op", op),
		slog.String("chat", chatID),
		slog.String("error", err.Error()))
	return &PersistenceError{Op: op, ChatID: chatID, Err: err}
}

// CreateChat inserts a chat with the default title, prepends it to the
// local collection and makes it active.
func (s *Store) CreateChat(ctx context.Context) (*Chat, error) {
	created, err := s.gateway.CreateChat(ctx, &store.Chat{Title: DefaultTitle})
	if err != nil {
		return nil, s.persistenceError("create_chat", "", err)
	}
	chat := convertChatFromStore(created)

	s.mu.Lock()
	s.chats = append([]*Chat{chat}, s.chats...)
	s.active = chat.ID
	s.mu.Unlock()
	s.updateGauge()

	s.notify(Event{Kind: EventChatCreated, ChatID: chat.ID})
	s.notify(Event{Kind: EventActiveChanged, ChatID: chat.ID})
	return chat.clone(), nil
}

// DeleteChat deletes the chat remotely, then locally. The active selection
// is reset when it pointed at the deleted chat.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	if err := s.gateway.DeleteChat(ctx, id); err != nil {
		return s.persistenceError("delete_chat", id, err)
	}

	s.mu.Lock()
	s.chats = slices.DeleteFunc(s.chats, func(c *Chat) bool { return c.ID == id })
	activeReset := s.active == id
	if activeReset {
		s.active = ""
	}
	delete(s.appendMu, id)
	s.mu.Unlock()
	s.updateGauge()

	s.notify(Event{Kind: EventChatDeleted, ChatID: id})
	if activeReset {
		s.notify(Event{Kind: EventActiveChanged})
	}
	return nil
}

// RenameChat updates the chat title remotely, then locally. It bumps the
// chat version, so it is ordered with appends through the same lock.
func (s *Store) RenameChat(ctx context.Context, id, title string) (*Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyMessage
	}
	lock, ok := s.appendLock(id)
	if !ok {
		return nil, ErrChatNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	chat := s.find(id)
	var version int64
	if chat != nil {
		version = chat.Version
	}
	s.mu.RUnlock()
	if chat == nil {
		return nil, ErrChatNotFound
	}

	updated, err := s.gateway.UpdateChat(ctx, &store.UpdateChat{
		ID:              id,
		Title:           &title,
		ExpectedVersion: version,
	})
	if err != nil {
		return nil, s.persistenceError("update_chat", id, err)
	}

	s.mu.Lock()
	chat = s.find(id)
	if chat == nil {
		s.mu.Unlock()
		return nil, ErrChatNotFound
	}
	chat.Title = updated.Title
	chat.Version = max(chat.Version, updated.Version)
	chat.UpdatedAt = laterOf(chat.UpdatedAt, time.Unix(updated.UpdatedTs, 0))
	out := chat.clone()
	s.mu.Unlock()

	s.notify(Event{Kind: EventChatUpdated, ChatID: id})
	return out, nil
}

// AddMessage persists msg remotely and appends the confirmed row to the chat.
// The remote insert carries the chat's version, so a write based on a stale
// view is rejected with store.ErrVersionConflict.
func (s *Store) AddMessage(ctx context.Context, chatID string, msg NewMessage) (*Message, error) {
	switch msg.Role {
	case RoleUser:
		if strings.TrimSpace(msg.Content) == "" {
			return nil, ErrEmptyMessage
		}
	case RoleAssistant, RoleSystem:
	default:
		return nil, ErrInvalidRole
	}

	lock, ok := s.appendLock(chatID)
	if !ok {
		return nil, ErrChatNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	chat := s.find(chatID)
	var version int64
	if chat != nil {
		version = chat.Version
	}
	s.mu.RUnlock()
	if chat == nil {
		return nil, ErrChatNotFound
	}

	created, err := s.gateway.CreateMessage(ctx, &store.CreateMessage{
		ChatID:          chatID,
		Role:            msg.Role,
		Content:         msg.Content,
		ExpectedVersion: version,
	})
	if err != nil {
		return nil, s.persistenceError("add_message", chatID, err)
	}
	message := convertMessageFromStore(created)

	s.mu.Lock()
	chat = s.find(chatID)
	if chat == nil {
		// Deleted or resynced away while the insert was in flight.
		s.mu.Unlock()
		s.logger.Warn("message persisted for a chat no longer in view",
			slog.String("chat", chatID),
			slog.Int("message", int(message.ID)))
		return &message, nil
	}
	if !slices.ContainsFunc(chat.Messages, func(m Message) bool { return m.ID == message.ID }) {
		chat.Messages = append(chat.Messages, message)
		chat.UpdatedAt = laterOf(chat.UpdatedAt, message.CreatedAt)
		chat.Version = max(chat.Version, version+1)
	}
	s.mu.Unlock()

	s.notify(Event{Kind: EventMessageAdded, ChatID: chatID, Message: &message})
	return &message, nil
}

// ClearChats deletes every chat remotely, then empties the local view.
func (s *Store) ClearChats(ctx context.Context) error {
	if err := s.gateway.DeleteAllChats(ctx); err != nil {
		return s.persistenceError("clear_chats", "", err)
	}

	s.mu.Lock()
	ids := chatIDs(s.chats)
	s.chats = nil
	s.active = ""
	s.appendMu = make(map[string]*sync.Mutex)
	s.mu.Unlock()
	s.updateGauge()

	s.notify(Event{Kind: EventChatsCleared, ChatIDs: ids})
	return nil
}

// FetchChats replaces the local view with the remote one. It costs one
// round trip for the chat list plus one per chat for its messages.
// Appends confirmed while the fetch was in flight are kept, so the chat
// version never moves backwards.
func (s *Store) FetchChats(ctx context.Context) error {
	list, err := s.gateway.ListChats(ctx, &store.FindChat{})
	if err != nil {
		return s.persistenceError("list_chats", "", err)
	}

	chats := make([]*Chat, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchConcurrency)
	for i, raw := range list {
		g.Go(func() error {
			messages, err := s.gateway.ListMessages(gctx, &store.FindMessage{ChatID: raw.ID})
			if err != nil {
				return s.persistenceError("list_messages", raw.ID, err)
			}
			chat := convertChatFromStore(raw)
			chat.Messages = make([]Message, 0, len(messages))
			for _, m := range messages {
				chat.Messages = append(chat.Messages, convertMessageFromStore(m))
			}
			chats[i] = chat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	for _, chat := range chats {
		if local := s.find(chat.ID); local != nil {
			mergeLocal(chat, local)
		}
	}
	s.chats = chats
	activeReset := false
	if s.active != "" && s.find(s.active) == nil {
		s.active = ""
		activeReset = true
	}
	for id := range s.appendMu {
		if s.find(id) == nil {
			delete(s.appendMu, id)
		}
	}
	ids := chatIDs(chats)
	s.mu.Unlock()
	s.updateGauge()

	s.notify(Event{Kind: EventChatsSynced, ChatIDs: ids})
	if activeReset {
		s.notify(Event{Kind: EventActiveChanged})
	}
	return nil
}

// SetActiveChat selects a chat. An empty id clears the selection.
func (s *Store) SetActiveChat(id string) error {
	s.mu.Lock()
	if id != "" && s.find(id) == nil {
		s.mu.Unlock()
		return ErrChatNotFound
	}
	changed := s.active != id
	s.active = id
	s.mu.Unlock()

	if changed {
		s.notify(Event{Kind: EventActiveChanged, ChatID: id})
	}
	return nil
}

// ActiveChatID returns the selected chat id, or "" when none is selected.
func (s *Store) ActiveChatID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// ActiveChat returns a copy of the selected chat, or nil.
func (s *Store) ActiveChat() *Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if chat := s.find(s.active); chat != nil {
		return chat.clone()
	}
	return nil
}

// Chat returns a copy of the chat with the given id, or nil.
func (s *Store) Chat(id string) *Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if chat := s.find(id); chat != nil {
		return chat.clone()
	}
	return nil
}

// Chats returns a copy of the local collection in view order.
func (s *Store) Chats() []*Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.clone())
	}
	return out
}

// Snapshot returns the state to mirror into a snapshot backend.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{
		Version:      SnapshotVersion,
		ActiveChatID: s.active,
		Chats:        make([]Chat, 0, len(s.chats)),
	}
	for _, c := range s.chats {
		snap.Chats = append(snap.Chats, *c.clone())
	}
	return snap
}

// Restore replaces the local view with a snapshot without touching the
// gateway. A following FetchChats brings it back in line with the remote.
func (s *Store) Restore(snap *Snapshot) {
	chats := make([]*Chat, 0, len(snap.Chats))
	for i := range snap.Chats {
		chats = append(chats, snap.Chats[i].clone())
	}

	s.mu.Lock()
	s.chats = chats
	s.active = ""
	if snap.ActiveChatID != "" && s.find(snap.ActiveChatID) != nil {
		s.active = snap.ActiveChatID
	}
	s.appendMu = make(map[string]*sync.Mutex)
	ids := chatIDs(chats)
	s.mu.Unlock()
	s.updateGauge()

	s.notify(Event{Kind: EventRestored, ChatIDs: ids})
}

func (s *Store) appendLock(chatID string) (*sync.Mutex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(chatID) == nil {
		return nil, false
	}
	lock, ok := s.appendMu[chatID]
	if !ok {
		lock = &sync.Mutex{}
		s.appendMu[chatID] = lock
	}
	return lock, true
}

// find must be called with s.mu held.
func (s *Store) find(id string) *Chat {
	if id == "" {
		return nil
	}
	for _, c := range s.chats {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) updateGauge() {
	s.mu.RLock()
	n := len(s.chats)
	s.mu.RUnlock()
	metrics.ChatsTracked.Set(float64(n))
}

func chatIDs(chats []*Chat) []string {
	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	return ids
}

// mergeLocal folds into fetched the confirmed writes of local that the
// fetch read around: the chat row is read before its messages, and appends
// can commit in between.
func mergeLocal(fetched, local *Chat) {
	if local.Version <= fetched.Version {
		return
	}
	fetched.Version = local.Version
	fetched.UpdatedAt = laterOf(fetched.UpdatedAt, local.UpdatedAt)
	if local.Title != "" {
		fetched.Title = local.Title
	}
	for _, m := range local.Messages {
		if !slices.ContainsFunc(fetched.Messages, func(f Message) bool { return f.ID == m.ID }) {
			fetched.Messages = append(fetched.Messages, m)
		}
	}
	slices.SortStableFunc(fetched.Messages, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func convertChatFromStore(c *store.Chat) *Chat {
	return &Chat{
		ID:        c.ID,
		Title:     c.Title,
		Messages:  []Message{},
		CreatedAt: time.Unix(c.CreatedTs, 0),
		UpdatedAt: time.Unix(c.UpdatedTs, 0),
		Version:   c.Version,
	}
}

func convertMessageFromStore(m *store.Message) Message {
	return Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: time.Unix(m.CreatedTs, 0),
	}
}
