package bot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/channels"
	"github.com/jholhewres/malachi/pkg/malachi/knowledge"
	"github.com/jholhewres/malachi/pkg/malachi/store"
)

type stubRetriever struct {
	items      []knowledge.Item
	directives []knowledge.Directive
}

func (r *stubRetriever) Search(ctx context.Context, query string, topK int, threshold float64) []knowledge.Item {
	return r.items
}

func (r *stubRetriever) ActiveDirectives() []knowledge.Directive { return r.directives }

type stubSender struct {
	mu   sync.Mutex
	sent []*channels.OutgoingMessage
	err  error
}

func (s *stubSender) Send(ctx context.Context, platform, chatID string, msg *channels.OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newTestEngine(t *testing.T, completer Completer, sender Sender) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "bot.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	cfg.Dispatcher.RetryAttempts = 2
	cfg.Dispatcher.RetryDelay = time.Millisecond
	d := NewDispatcher(completer, cfg.Dispatcher, nil)
	return NewEngine(cfg, st, &stubRetriever{}, d, sender, nil), st
}

func incoming(content string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:        "m1",
		Platform:  channels.PlatformDiscord,
		ChatID:    "chat-1",
		From:      "user-1",
		FromName:  "Ana",
		Content:   content,
		Timestamp: time.Now().UTC(),
		IsDirect:  true,
	}
}

func TestHandlePersistsTurnAndSends(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	engine, st := newTestEngine(t, &fakeCompleter{reply: "hi Ana"}, sender)

	if err := engine.Handle(ctx, incoming("hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	history, err := st.HistoryForChat(ctx, channels.PlatformDiscord, "chat-1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected persisted user+assistant turn, got %d messages", len(history))
	}
	if history[0].Role != store.RoleUser || history[1].Role != store.RoleAssistant {
		t.Fatalf("wrong turn order: %s then %s", history[0].Role, history[1].Role)
	}
	if len(sender.sent) != 1 || sender.sent[0].Content != "hi Ana" {
		t.Fatalf("reply not delivered: %+v", sender.sent)
	}

	status := engine.Status()
	if status.Replied != 1 || status.Failed != 0 {
		t.Fatalf("counters wrong: %+v", status)
	}
}

func TestHandleCompletionFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	fake := &fakeCompleter{results: []error{transientErr(), transientErr()}}
	engine, st := newTestEngine(t, fake, sender)

	err := engine.Handle(ctx, incoming("hello"))
	if !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}

	history, _ := st.HistoryForChat(ctx, channels.PlatformDiscord, "chat-1", 10)
	if len(history) != 0 {
		t.Fatalf("failed turn must not be persisted, got %d messages", len(history))
	}
	if len(sender.sent) != 0 {
		t.Fatal("failed turn must not be delivered")
	}
	if status := engine.Status(); status.Failed != 1 {
		t.Fatalf("failure not counted: %+v", status)
	}
}

func TestHandleRateLimitRejects(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	engine, _ := newTestEngine(t, &fakeCompleter{reply: "ok"}, sender)
	engine.limiter = NewRateLimiter(1, time.Minute)

	if err := engine.Handle(ctx, incoming("first")); err != nil {
		t.Fatalf("first message: %v", err)
	}
	err := engine.Handle(ctx, incoming("second"))
	if !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected, got %v", err)
	}
	if status := engine.Status(); status.RateLimited != 1 {
		t.Fatalf("rate limit not counted: %+v", status)
	}
}

func TestHandlePolicyIgnores(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	engine, _ := newTestEngine(t, &fakeCompleter{reply: "ok"}, sender)

	msg := incoming("group chatter")
	msg.IsDirect = false
	msg.IsMention = false

	err := engine.Handle(ctx, msg)
	if !errors.Is(err, ErrPolicyIgnored) {
		t.Fatalf("expected ErrPolicyIgnored, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("ignored message must not produce a reply")
	}
}

func TestHandleSerializesSameConversation(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	fake := &fakeCompleter{reply: "ok", delay: 10 * time.Millisecond}
	engine, st := newTestEngine(t, fake, sender)
	engine.cfg.RateLimit = 0
	engine.limiter = NewRateLimiter(0, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.Handle(ctx, incoming("msg")); err != nil {
				t.Errorf("handle: %v", err)
			}
		}()
	}
	wg.Wait()

	if max := fake.maxSeen.Load(); max != 1 {
		t.Fatalf("same conversation overlapped %d completions", max)
	}
	history, _ := st.HistoryForChat(ctx, channels.PlatformDiscord, "chat-1", 20)
	if len(history) != 8 {
		t.Fatalf("expected 4 full turns, got %d messages", len(history))
	}
}

type typingSender struct {
	stubSender
	typing []string
}

func (s *typingSender) SendTyping(ctx context.Context, platform, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing = append(s.typing, platform+":"+chatID)
	return nil
}

func TestHandleSendsTypingIndicator(t *testing.T) {
	ctx := context.Background()
	sender := &typingSender{}
	engine, _ := newTestEngine(t, &fakeCompleter{reply: "ok"}, sender)

	if err := engine.Handle(ctx, incoming("hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sender.typing) != 1 || sender.typing[0] != "discord:chat-1" {
		t.Fatalf("typing indicator = %v, want one for discord:chat-1", sender.typing)
	}
}

func TestHandleClearCommandDeletesConversation(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	engine, st := newTestEngine(t, &fakeCompleter{reply: "ok"}, sender)
	engine.limiter = NewRateLimiter(0, time.Minute)

	if err := engine.Handle(ctx, incoming("remember this")); err != nil {
		t.Fatalf("first turn: %v", err)
	}

	if err := engine.Handle(ctx, incoming("/clear")); err != nil {
		t.Fatalf("clear: %v", err)
	}

	history, _ := st.HistoryForChat(ctx, channels.PlatformDiscord, "chat-1", 10)
	if len(history) != 0 {
		t.Fatalf("history survived clear: %d messages", len(history))
	}
	if _, err := st.Conversation(ctx, channels.PlatformDiscord, "chat-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("conversation row survived clear: %v", err)
	}
	last := sender.sent[len(sender.sent)-1]
	if last.Content != "Conversation history cleared." {
		t.Fatalf("confirmation = %q", last.Content)
	}
}

func TestHandleClearCommandOnEmptyChat(t *testing.T) {
	ctx := context.Background()
	sender := &stubSender{}
	engine, _ := newTestEngine(t, &fakeCompleter{reply: "ok"}, sender)

	if err := engine.Handle(ctx, incoming("/clear")); err != nil {
		t.Fatalf("clear on empty chat: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].Content != "Conversation history cleared." {
		t.Fatalf("expected confirmation only, got %+v", sender.sent)
	}
}

func TestIsClearCommand(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"/clear", true},
		{"  /clear  ", true},
		{"/clear@malachi_bot", true},
		{"@malachi_bot /clear", true},
		{"<@12345> /clear", true},
		{"please /clear later", false},
		{"/clearly not", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isClearCommand(tt.content); got != tt.want {
			t.Errorf("isClearCommand(%q) = %v, want %v", tt.content, got, tt.want)
		}
	}
}

func TestRunDrainsChannelOnClose(t *testing.T) {
	sender := &stubSender{}
	engine, st := newTestEngine(t, &fakeCompleter{reply: "ok"}, sender)
	engine.limiter = NewRateLimiter(0, time.Minute)

	msgs := make(chan *channels.IncomingMessage, 3)
	for i := 0; i < 3; i++ {
		m := incoming("msg")
		m.ChatID = "chat-" + string(rune('a'+i))
		msgs <- m
	}
	close(msgs)

	done := make(chan struct{})
	go func() {
		engine.Run(context.Background(), msgs)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after channel close")
	}

	// Every in-flight message completed its turn before Run returned.
	convs, err := st.Conversations(context.Background(), 10)
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(convs))
	}
}
