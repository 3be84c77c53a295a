// Package scheduler runs the recurring tasks: the knowledge refresh,
// old-conversation cleanup, and configured scheduled messages. Uses
// robfig/cron for schedule parsing and execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/malachi/pkg/malachi/channels"
	"github.com/jholhewres/malachi/pkg/malachi/store"
)

// Config holds scheduler configuration.
type Config struct {
	// SyncInterval is how often to refresh the knowledge cache (default 15m).
	SyncInterval time.Duration `yaml:"sync_interval"`

	// CleanupSchedule is a cron expression or descriptor for the
	// conversation cleanup run (default @daily).
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// Retention is how long conversations are kept; 0 disables cleanup.
	Retention time.Duration `yaml:"retention"`

	// Messages are recurring outbound sends, for announcements and
	// reminders.
	Messages []MessageJob `yaml:"messages"`
}

// MessageJob is one configured scheduled send.
type MessageJob struct {
	// Schedule is a cron expression or descriptor like "@daily".
	Schedule string `yaml:"schedule"`

	// Platform is the channel tag the message goes out on.
	Platform string `yaml:"platform"`

	// ChatID is the destination chat on that platform.
	ChatID string `yaml:"chat_id"`

	// Content is the message text.
	Content string `yaml:"content"`
}

// DefaultConfig returns the default maintenance schedule.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    15 * time.Minute,
		CleanupSchedule: "@daily",
		Retention:       90 * 24 * time.Hour,
	}
}

// KnowledgeSyncer refreshes the knowledge cache. Satisfied by *knowledge.Cache.
type KnowledgeSyncer interface {
	Sync(ctx context.Context) (int, int, error)
}

// Sender delivers scheduled messages. Satisfied by *channels.Manager.
type Sender interface {
	Send(ctx context.Context, platform, chatID string, msg *channels.OutgoingMessage) error
}

// Scheduler owns the cron instance and the registered jobs.
type Scheduler struct {
	cfg    Config
	syncer KnowledgeSyncer
	store  *store.Store
	sender Sender
	logger *slog.Logger
	cron   *cron.Cron

	// syncRunning prevents overlapping sync runs when one takes longer
	// than the interval.
	syncRunning atomic.Bool
}

// New creates a scheduler.
func New(cfg Config, syncer KnowledgeSyncer, st *store.Store, sender Sender, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 15 * time.Minute
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@daily"
	}
	return &Scheduler{
		cfg:    cfg,
		syncer: syncer,
		store:  st,
		sender: sender,
		logger: logger.With("component", "scheduler"),
	}
}

// Start registers the jobs and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	if s.syncer != nil {
		spec := fmt.Sprintf("@every %s", s.cfg.SyncInterval)
		if _, err := s.cron.AddFunc(spec, func() { s.runSync(ctx) }); err != nil {
			return fmt.Errorf("scheduling knowledge sync: %w", err)
		}
	}

	if s.store != nil && s.cfg.Retention > 0 {
		if _, err := s.cron.AddFunc(s.cfg.CleanupSchedule, func() { s.runCleanup(ctx) }); err != nil {
			return fmt.Errorf("scheduling cleanup: %w", err)
		}
	}

	if s.sender != nil {
		for i, job := range s.cfg.Messages {
			if job.Schedule == "" || job.Platform == "" || job.ChatID == "" || job.Content == "" {
				return fmt.Errorf("scheduled message %d: schedule, platform, chat_id, and content are all required", i)
			}
			job := job
			if _, err := s.cron.AddFunc(job.Schedule, func() { s.runMessage(ctx, job) }); err != nil {
				return fmt.Errorf("scheduling message %d (%s): %w", i, job.Schedule, err)
			}
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"sync_interval", s.cfg.SyncInterval,
		"cleanup", s.cfg.CleanupSchedule,
		"entries", len(s.cron.Entries()))
	return nil
}

// Stop halts the cron loop and waits briefly for running jobs.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

// runSync refreshes the knowledge cache, skipping if a run is in progress.
func (s *Scheduler) runSync(ctx context.Context) {
	if !s.syncRunning.CompareAndSwap(false, true) {
		s.logger.Debug("knowledge sync already running, skipping")
		return
	}
	defer s.syncRunning.Store(false)

	items, directives, err := s.syncer.Sync(ctx)
	if err != nil {
		s.logger.Warn("scheduled knowledge sync failed", "error", err)
		return
	}
	s.logger.Debug("scheduled knowledge sync done", "items", items, "directives", directives)
}

// runMessage delivers one configured scheduled send.
func (s *Scheduler) runMessage(ctx context.Context, job MessageJob) {
	err := s.sender.Send(ctx, job.Platform, job.ChatID, &channels.OutgoingMessage{Content: job.Content})
	if err != nil {
		s.logger.Warn("scheduled message failed",
			"platform", job.Platform, "chat", job.ChatID, "error", err)
		return
	}
	s.logger.Debug("scheduled message sent", "platform", job.Platform, "chat", job.ChatID)
}

// runCleanup removes conversations older than the retention window.
func (s *Scheduler) runCleanup(ctx context.Context) {
	deleted, err := s.store.Cleanup(ctx, s.cfg.Retention)
	if err != nil {
		s.logger.Warn("conversation cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("conversation cleanup done", "deleted", deleted)
	}
}
