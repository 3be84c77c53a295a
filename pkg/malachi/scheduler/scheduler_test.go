package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/channels"
	"github.com/jholhewres/malachi/pkg/malachi/store"
)

type stubSyncer struct{ calls int }

func (s *stubSyncer) Sync(ctx context.Context) (int, int, error) {
	s.calls++
	return 0, 0, nil
}

type stubSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *stubSender) Send(ctx context.Context, platform, chatID string, msg *channels.OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, platform+"/"+chatID+": "+msg.Content)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "sched.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStartRegistersAllJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Messages = []MessageJob{
		{Schedule: "@daily", Platform: "discord", ChatID: "c1", Content: "morning"},
		{Schedule: "0 9 * * MON", Platform: "telegram", ChatID: "c2", Content: "standup"},
	}
	s := New(cfg, &stubSyncer{}, newTestStore(t), &stubSender{}, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	// Sync, cleanup, and two message jobs.
	if got := len(s.cron.Entries()); got != 4 {
		t.Fatalf("registered %d jobs, want 4", got)
	}
}

func TestStartRejectsInvalidMessageJob(t *testing.T) {
	cases := []MessageJob{
		{Schedule: "not a cron expr", Platform: "discord", ChatID: "c1", Content: "x"},
		{Schedule: "@daily", Platform: "discord", Content: "missing chat"},
	}
	for _, job := range cases {
		cfg := DefaultConfig()
		cfg.Messages = []MessageJob{job}
		s := New(cfg, nil, nil, &stubSender{}, nil)
		if err := s.Start(context.Background()); err == nil {
			s.Stop()
			t.Fatalf("start accepted bad job %+v", job)
		}
	}
}

func TestRunMessageDelivers(t *testing.T) {
	sender := &stubSender{}
	s := New(DefaultConfig(), nil, nil, sender, nil)

	s.runMessage(context.Background(), MessageJob{
		Platform: "discord", ChatID: "c1", Content: "weekly reminder",
	})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0] != "discord/c1: weekly reminder" {
		t.Fatalf("scheduled send wrong: %v", sender.sent)
	}
}

func TestRunSyncSkipsOverlap(t *testing.T) {
	syncer := &stubSyncer{}
	s := New(DefaultConfig(), syncer, nil, nil, nil)

	s.syncRunning.Store(true)
	s.runSync(context.Background())
	if syncer.calls != 0 {
		t.Fatal("overlapping sync was not skipped")
	}

	s.syncRunning.Store(false)
	s.runSync(context.Background())
	if syncer.calls != 1 {
		t.Fatalf("sync ran %d times, want 1", syncer.calls)
	}
}

func TestRunCleanupDeletesStale(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.AppendMessage(ctx, "discord", "old", store.Message{
		Role: store.RoleUser, Content: "ancient", Timestamp: time.Now().Add(-100 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Retention = 30 * 24 * time.Hour
	s := New(cfg, nil, st, nil, nil)
	s.runCleanup(ctx)

	if _, err := st.Conversation(ctx, "discord", "old"); err == nil {
		t.Fatal("stale conversation survived cleanup")
	}
}
