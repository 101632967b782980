package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/usememos/chatsync/internal/metrics"
	"github.com/usememos/chatsync/plugin/ai"
)

const DefaultCoalesceWindow = 300 * time.Millisecond

// BusyPolicy decides what happens to a submission for a chat that already
// has a reply being generated.
type BusyPolicy int

const (
	// BusyIgnore rejects the new submission with ErrBusy.
	BusyIgnore BusyPolicy = iota
	// BusySupersede lets the new submission take over; the older reply is
	// discarded when it arrives.
	BusySupersede
)

func ParseBusyPolicy(s string) (BusyPolicy, error) {
	switch strings.ToLower(s) {
	case "", "ignore":
		return BusyIgnore, nil
	case "supersede":
		return BusySupersede, nil
	}
	return BusyIgnore, errors.Errorf("unknown busy policy %q", s)
}

type Outcome string

const (
	OutcomeReplied           Outcome = "replied"
	OutcomeOffline           Outcome = "offline"
	OutcomeFallback          Outcome = "fallback"
	OutcomeSuperseded        Outcome = "superseded"
	OutcomeReplyNotPersisted Outcome = "reply_not_persisted"
)

// DispatchResult is the outcome of a submission that reached the store.
type DispatchResult struct {
	Token       uint64   `json:"token"`
	ChatID      string   `json:"chatId"`
	UserMessage *Message `json:"userMessage"`
	// Reply is nil when the reply was superseded or could not be persisted.
	Reply   *Message `json:"reply,omitempty"`
	Outcome Outcome  `json:"outcome"`
}

// Connectivity reports whether the process is online.
type Connectivity interface {
	Online() bool
}

type DispatcherConfig struct {
	Model       string
	MaxTokens   int
	// Temperature is left to the generator's default when nil.
	Temperature *float64
	// CoalesceWindow is how long a submission waits for a newer one before
	// it runs. Zero disables coalescing.
	CoalesceWindow time.Duration
	BusyPolicy     BusyPolicy
	Logger         *slog.Logger
}

// Dispatcher runs one user submission end to end: persist the user
// message, then persist either a generated reply or a fallback text.
type Dispatcher struct {
	store     *Store
	assembler *Assembler
	generator ai.Generator
	monitor   Connectivity
	config    DispatcherConfig
	logger    *slog.Logger

	mu     sync.Mutex
	flight map[string]*flightState
}

type flightState struct {
	// issued is the latest token handed out for the chat.
	issued uint64
	// current is the token allowed to commit a reply, 0 when idle.
	current uint64
	// pending counts submissions between issue and return.
	pending int
	// commitMu orders user message and reply appends of competing flights.
	commitMu sync.Mutex
}

func NewDispatcher(store *Store, assembler *Assembler, generator ai.Generator, monitor Connectivity, config DispatcherConfig) *Dispatcher {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		assembler: assembler,
		generator: generator,
		monitor:   monitor,
		config:    config,
		logger:    logger,
		flight:    make(map[string]*flightState),
	}
}

// Submit sends text to the active chat.
func (d *Dispatcher) Submit(ctx context.Context, text string) (*DispatchResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	chatID := d.store.ActiveChatID()
	if chatID == "" {
		return nil, ErrNoActiveChat
	}
	return d.SubmitTo(ctx, chatID, text)
}

// SubmitTo sends text to the given chat. Generation failures never surface
// as errors; they are answered with the apology text.
func (d *Dispatcher) SubmitTo(ctx context.Context, chatID, text string) (*DispatchResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if d.store.Chat(chatID) == nil {
		return nil, ErrChatNotFound
	}
	// Connectivity is sampled once, at submission time.
	online := d.monitor == nil || d.monitor.Online()

	state, token := d.issue(chatID)
	defer d.done(chatID, state)
	if d.config.CoalesceWindow > 0 {
		timer := time.NewTimer(d.config.CoalesceWindow)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := d.acquire(state, token); err != nil {
		metrics.Dispatches.WithLabelValues(dispatchLabel(err)).Inc()
		return nil, err
	}
	defer d.release(state, token)

	result := &DispatchResult{Token: token, ChatID: chatID}
	state.commitMu.Lock()
	userMessage, err := d.store.AddMessage(ctx, chatID, NewMessage{Role: RoleUser, Content: text})
	state.commitMu.Unlock()
	if err != nil {
		return nil, err
	}
	result.UserMessage = userMessage

	if !online {
		d.commit(ctx, state, result, OfflineText, OutcomeOffline)
		return result, nil
	}

	reply, err := d.generate(ctx, chatID)
	if err != nil {
		d.logger.Warn("generation failed, answering with apology",
			slog.String("chat", chatID),
			slog.Uint64("token", token),
			slog.String("error", err.Error()))
		d.commit(ctx, state, result, ApologyText, OutcomeFallback)
		return result, nil
	}
	d.commit(ctx, state, result, reply, OutcomeReplied)
	return result, nil
}

// Busy reports whether a reply is being generated for the chat.
func (d *Dispatcher) Busy(chatID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.flight[chatID]
	return ok && state.current != 0
}

// LatestToken returns the last token issued for the chat while it has
// submissions in flight, 0 once it is idle.
func (d *Dispatcher) LatestToken(chatID string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.flight[chatID]; ok {
		return state.issued
	}
	return 0
}

func (d *Dispatcher) issue(chatID string) (*flightState, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.flight[chatID]
	if !ok {
		state = &flightState{}
		d.flight[chatID] = state
	}
	state.issued++
	state.pending++
	return state, state.issued
}

// done forgets the chat once its last submission returns.
func (d *Dispatcher) done(chatID string, state *flightState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state.pending--
	if state.pending == 0 && d.flight[chatID] == state {
		delete(d.flight, chatID)
	}
}

func (d *Dispatcher) acquire(state *flightState, token uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state.issued != token {
		return ErrCoalesced
	}
	if state.current != 0 && d.config.BusyPolicy == BusyIgnore {
		return ErrBusy
	}
	state.current = token
	return nil
}

func (d *Dispatcher) release(state *flightState, token uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state.current == token {
		state.current = 0
	}
}

// commit appends an assistant message unless a newer flight took over.
// A failed append is logged and reported through the outcome only.
func (d *Dispatcher) commit(ctx context.Context, state *flightState, result *DispatchResult, content string, outcome Outcome) {
	state.commitMu.Lock()
	defer state.commitMu.Unlock()

	d.mu.Lock()
	current := state.current == result.Token
	d.mu.Unlock()
	if !current {
		d.logger.Info("reply discarded, superseded by a newer submission",
			slog.String("chat", result.ChatID),
			slog.Uint64("token", result.Token))
		result.Outcome = OutcomeSuperseded
		metrics.Dispatches.WithLabelValues(string(result.Outcome)).Inc()
		return
	}

	reply, err := d.store.AddMessage(ctx, result.ChatID, NewMessage{Role: RoleAssistant, Content: content})
	if err != nil {
		d.logger.Error("failed to persist reply",
			slog.String("chat", result.ChatID),
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()))
		result.Outcome = OutcomeReplyNotPersisted
	} else {
		result.Reply = reply
		result.Outcome = outcome
	}
	metrics.Dispatches.WithLabelValues(string(result.Outcome)).Inc()
}

func (d *Dispatcher) generate(ctx context.Context, chatID string) (string, error) {
	messages, err := d.assembler.Assemble(ctx, chatID)
	if err != nil {
		metrics.GenerationFailures.WithLabelValues("context").Inc()
		return "", &GenerationError{Err: err}
	}

	start := time.Now()
	reply, err := d.generator.Generate(ctx, &ai.Request{
		Model:       d.config.Model,
		Messages:    messages,
		MaxTokens:   d.config.MaxTokens,
		Temperature: d.config.Temperature,
	})
	metrics.GenerationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationFailures.WithLabelValues(failureKind(err)).Inc()
		return "", &GenerationError{Err: err}
	}
	if strings.TrimSpace(reply) == "" {
		metrics.GenerationFailures.WithLabelValues("empty").Inc()
		return "", &GenerationError{Err: errors.New("empty reply")}
	}
	return reply, nil
}

func failureKind(err error) string {
	var authErr *ai.AuthError
	var serverErr *ai.RateLimitOrServerError
	switch {
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &serverErr):
		return "server"
	default:
		return "network"
	}
}

func dispatchLabel(err error) string {
	switch {
	case errors.Is(err, ErrCoalesced):
		return "coalesced"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "rejected"
	}
}
