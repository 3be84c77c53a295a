// Package bot – engine.go wires admission, policy, retrieval, completion, and
// persistence into the message pipeline. One incoming message either produces
// a fully persisted turn (user message plus reply) or leaves no trace.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/channels"
	"github.com/jholhewres/malachi/pkg/malachi/knowledge"
	"github.com/jholhewres/malachi/pkg/malachi/store"
)

// Config is the bot-level pipeline configuration.
type Config struct {
	// RateLimit is the max messages per user per window (0 disables).
	RateLimit int `yaml:"rate_limit"`

	// RateWindow is the sliding admission window.
	RateWindow time.Duration `yaml:"rate_window"`

	Policy PolicyConfig `yaml:"policy"`

	Budget ContextBudget `yaml:"budget"`

	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// TopK and SimilarityThreshold tune knowledge retrieval per message.
	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		RateLimit:  10,
		RateWindow: time.Minute,
		Policy: PolicyConfig{
			RespondToDMs:           true,
			RequireMentionInGroups: true,
		},
		Budget:              DefaultBudget(),
		Dispatcher:          DefaultDispatcherConfig(),
		TopK:                5,
		SimilarityThreshold: 0.3,
	}
}

// Sender delivers replies back to a platform. Satisfied by *channels.Manager.
type Sender interface {
	Send(ctx context.Context, platform, chatID string, msg *channels.OutgoingMessage) error
}

// TypingSender is implemented by senders that can surface a typing
// indicator while the completion is in flight.
type TypingSender interface {
	SendTyping(ctx context.Context, platform, chatID string) error
}

// Retriever serves knowledge search and directives. Satisfied by
// *knowledge.Cache.
type Retriever interface {
	Search(ctx context.Context, query string, topK int, threshold float64) []knowledge.Item
	ActiveDirectives() []knowledge.Directive
}

// Status is a snapshot of pipeline counters since start.
type Status struct {
	StartedAt    time.Time `json:"started_at"`
	Received     int64     `json:"received"`
	RateLimited  int64     `json:"rate_limited"`
	Ignored      int64     `json:"ignored"`
	Replied      int64     `json:"replied"`
	Failed       int64     `json:"failed"`
	LastReplyAt  time.Time `json:"last_reply_at,omitempty"`
	LastFailedAt time.Time `json:"last_failed_at,omitempty"`
}

// Engine runs the message pipeline.
type Engine struct {
	cfg        Config
	store      *store.Store
	retriever  Retriever
	dispatcher *Dispatcher
	limiter    *RateLimiter
	sender     Sender
	logger     *slog.Logger

	startedAt   time.Time
	received    atomic.Int64
	rateLimited atomic.Int64
	ignored     atomic.Int64
	replied     atomic.Int64
	failed      atomic.Int64

	mu           sync.Mutex
	lastReplyAt  time.Time
	lastFailedAt time.Time
}

// NewEngine wires the pipeline together.
func NewEngine(cfg Config, st *store.Store, retriever Retriever, dispatcher *Dispatcher, sender Sender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:        cfg,
		store:      st,
		retriever:  retriever,
		dispatcher: dispatcher,
		limiter:    NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		sender:     sender,
		logger:     logger.With("component", "engine"),
		startedAt:  time.Now(),
	}
}

// Run consumes incoming messages until the channel closes or ctx is done.
// Each message is handled on its own goroutine; the per-conversation lock
// keeps same-conversation work serialized.
func (e *Engine) Run(ctx context.Context, messages <-chan *channels.IncomingMessage) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case msg, ok := <-messages:
			if !ok {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.Handle(ctx, msg); err != nil &&
					!errors.Is(err, ErrAdmissionRejected) && !errors.Is(err, ErrPolicyIgnored) {
					e.logger.Error("message pipeline failed",
						"platform", msg.Platform, "chat", msg.ChatID, "error", err)
				}
			}()
		}
	}
}

// Handle runs one message through the full pipeline.
func (e *Engine) Handle(ctx context.Context, msg *channels.IncomingMessage) error {
	e.received.Add(1)

	if !e.limiter.Admit(msg.From, msg.Platform, time.Now()) {
		e.rateLimited.Add(1)
		e.logger.Debug("rate limited", "platform", msg.Platform, "user", msg.From)
		return ErrAdmissionRejected
	}

	if !ShouldRespond(msg, e.cfg.Policy) {
		e.ignored.Add(1)
		return ErrPolicyIgnored
	}

	// Same conversation runs one pipeline at a time, held through the
	// history write so a second message sees the first turn persisted.
	convKey := msg.Platform + ":" + msg.ChatID
	unlock := e.dispatcher.LockConversation(convKey)
	defer unlock()

	if isClearCommand(msg.Content) {
		return e.clearConversation(ctx, msg)
	}

	if typer, ok := e.sender.(TypingSender); ok {
		if err := typer.SendTyping(ctx, msg.Platform, msg.ChatID); err != nil {
			e.logger.Debug("typing indicator failed", "platform", msg.Platform, "error", err)
		}
	}

	history, err := e.store.HistoryForChat(ctx, msg.Platform, msg.ChatID, e.cfg.Budget.MaxHistory)
	if err != nil {
		return e.fail(fmt.Errorf("load history: %w", err))
	}
	memories, err := e.store.Memories(ctx, msg.From, msg.Platform)
	if err != nil {
		return e.fail(fmt.Errorf("load memories: %w", err))
	}

	items := e.retriever.Search(ctx, msg.Content, e.cfg.TopK, e.cfg.SimilarityThreshold)
	directives := e.retriever.ActiveDirectives()

	pc := BuildContext(directives, items, memories, history, msg.Content, msg.FromName, e.cfg.Budget)

	reply, err := e.dispatcher.Dispatch(ctx, pc.Messages())
	if err != nil {
		// Nothing is persisted for a failed turn; a later retry of the
		// same user message starts clean.
		return e.fail(err)
	}

	now := time.Now().UTC()
	userMsg := store.Message{
		Role:       store.RoleUser,
		AuthorID:   msg.From,
		AuthorName: msg.FromName,
		Content:    msg.Content,
		Timestamp:  msg.Timestamp,
	}
	assistantMsg := store.Message{
		Role:      store.RoleAssistant,
		Content:   reply,
		Timestamp: now,
	}
	if err := e.appendTurn(ctx, msg.Platform, msg.ChatID, userMsg, assistantMsg); err != nil {
		return e.fail(fmt.Errorf("persist turn: %w", err))
	}

	// Persist first, send second. A crash between the two loses the
	// delivery but never the record, so history stays consistent.
	if err := e.sender.Send(ctx, msg.Platform, msg.ChatID, &channels.OutgoingMessage{Content: reply, ReplyTo: msg.ID}); err != nil {
		return e.fail(fmt.Errorf("send reply: %w", err))
	}

	e.replied.Add(1)
	e.mu.Lock()
	e.lastReplyAt = now
	e.mu.Unlock()
	e.logger.Info("replied", "platform", msg.Platform, "chat", msg.ChatID, "history", len(history), "knowledge", len(items))
	return nil
}

// clearConversation handles the /clear command: drop the conversation and
// its messages, then confirm in-chat. A chat with no history yet still gets
// the confirmation.
func (e *Engine) clearConversation(ctx context.Context, msg *channels.IncomingMessage) error {
	conv, err := e.store.Conversation(ctx, msg.Platform, msg.ChatID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return e.fail(fmt.Errorf("clear conversation: %w", err))
	}
	if err == nil {
		if err := e.store.DeleteConversation(ctx, conv.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return e.fail(fmt.Errorf("clear conversation: %w", err))
		}
		e.logger.Info("conversation cleared",
			"platform", msg.Platform, "chat", msg.ChatID, "user", msg.From)
	}
	if err := e.sender.Send(ctx, msg.Platform, msg.ChatID,
		&channels.OutgoingMessage{Content: "Conversation history cleared.", ReplyTo: msg.ID}); err != nil {
		return e.fail(fmt.Errorf("send clear confirmation: %w", err))
	}
	return nil
}

// isClearCommand matches "/clear" and the group form "/clear@botname" as the
// first token, ignoring leading mention tokens.
func isClearCommand(content string) bool {
	for _, field := range strings.Fields(content) {
		if strings.HasPrefix(field, "@") || strings.HasPrefix(field, "<@") {
			continue
		}
		return field == "/clear" || strings.HasPrefix(field, "/clear@")
	}
	return false
}

// appendTurn commits the turn, retrying once on a transient storage error.
func (e *Engine) appendTurn(ctx context.Context, platform, chatID string, userMsg, assistantMsg store.Message) error {
	err := e.store.AppendTurn(ctx, platform, chatID, userMsg, assistantMsg)
	if err == nil {
		return nil
	}
	time.Sleep(100 * time.Millisecond)
	return e.store.AppendTurn(ctx, platform, chatID, userMsg, assistantMsg)
}

func (e *Engine) fail(err error) error {
	e.failed.Add(1)
	e.mu.Lock()
	e.lastFailedAt = time.Now().UTC()
	e.mu.Unlock()
	return err
}

// Status reports pipeline counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	lastReply, lastFailed := e.lastReplyAt, e.lastFailedAt
	e.mu.Unlock()
	return Status{
		StartedAt:    e.startedAt,
		Received:     e.received.Load(),
		RateLimited:  e.rateLimited.Load(),
		Ignored:      e.ignored.Load(),
		Replied:      e.replied.Load(),
		Failed:       e.failed.Load(),
		LastReplyAt:  lastReply,
		LastFailedAt: lastFailed,
	}
}
