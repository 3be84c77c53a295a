package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/bot"
	"github.com/jholhewres/malachi/pkg/malachi/channels"
	"github.com/jholhewres/malachi/pkg/malachi/channels/discord"
	"github.com/jholhewres/malachi/pkg/malachi/channels/telegram"
	"github.com/jholhewres/malachi/pkg/malachi/channels/whatsapp"
	"github.com/jholhewres/malachi/pkg/malachi/config"
	"github.com/jholhewres/malachi/pkg/malachi/gateway"
	"github.com/jholhewres/malachi/pkg/malachi/knowledge"
	"github.com/jholhewres/malachi/pkg/malachi/llm"
	"github.com/jholhewres/malachi/pkg/malachi/scheduler"
	"github.com/jholhewres/malachi/pkg/malachi/store"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `malachi serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bot daemon with messaging channels",
		Long: `Start Malachi as a daemon, connecting to every enabled channel
and processing messages until interrupted.

Examples:
  malachi serve
  malachi serve --channel discord --channel telegram
  malachi serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (discord, telegram, whatsapp)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg.Log)
	slog.SetDefault(logger)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	} else {
		logger.Warn("no config file found, running with defaults")
	}

	// Resolve the API key from vault, keyring, or environment.
	vault := config.ResolveAPIKey(cfg, logger)

	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Knowledge cache: persisted snapshot first, remote sync in the background.
	kstore, err := knowledge.NewSQLiteStore(st.DB())
	if err != nil {
		return err
	}
	embedder, err := knowledge.NewEmbeddingProvider(cfg.Knowledge.Embedding)
	if err != nil {
		logger.Warn("embedding provider unavailable, falling back to lexical search", "error", err)
	}
	remote := knowledge.NewRemoteClient(cfg.Knowledge.Remote)
	cache, err := knowledge.NewCache(ctx, kstore, remote, embedder, logger)
	if err != nil {
		return err
	}

	client := llm.NewClient(cfg.LLM, logger)
	dispatcher := bot.NewDispatcher(client, cfg.Bot.Dispatcher, logger)
	manager := channels.NewManager(logger)
	engine := bot.NewEngine(cfg.Bot, st, cache, dispatcher, manager, logger)

	channelFilter, _ := cmd.Flags().GetStringSlice("channel")

	if shouldEnable("discord", channelFilter, cfg.Channels.Discord.Enabled) && cfg.Channels.Discord.Token != "" {
		if err := manager.Register(discord.New(cfg.Channels.Discord, logger)); err != nil {
			logger.Error("failed to register Discord", "error", err)
		}
	}
	if shouldEnable("telegram", channelFilter, cfg.Channels.Telegram.Enabled) && cfg.Channels.Telegram.Token != "" {
		if err := manager.Register(telegram.New(cfg.Channels.Telegram, logger)); err != nil {
			logger.Error("failed to register Telegram", "error", err)
		}
	}
	if shouldEnable("whatsapp", channelFilter, cfg.Channels.WhatsApp.Enabled) {
		if err := manager.Register(whatsapp.New(cfg.Channels.WhatsApp, logger)); err != nil {
			logger.Error("failed to register WhatsApp", "error", err)
		}
	}

	if err := manager.Start(ctx); err != nil {
		logger.Warn("some channels failed to connect", "error", err)
	}

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		cfg.Gateway.MemoryMaxPerUser = cfg.MemoryMaxPerUser
		gw = gateway.New(cfg.Gateway, engine, st, cache, manager, logger)
		if err := gw.Start(ctx); err != nil {
			logger.Error("failed to start gateway", "error", err)
		}
	}

	// Sync only runs when a remote source is configured; the cleanup job
	// runs either way.
	var syncer scheduler.KnowledgeSyncer
	if cfg.Knowledge.Remote.BaseURL != "" {
		syncer = cache
		go func() {
			items, directives, err := cache.Sync(ctx)
			if err != nil {
				logger.Warn("initial knowledge sync failed, serving cached content", "error", err)
				return
			}
			logger.Info("initial knowledge sync done", "items", items, "directives", directives)
		}()
	}
	sched := scheduler.New(cfg.Scheduler, syncer, st, manager, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
	}

	// Pump messages from every channel through the pipeline.
	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx, manager.Messages())
		close(engineDone)
	}()

	logger.Info("malachi running, press Ctrl+C to stop",
		"channels", manager.ConnectedPlatforms(),
		"model", client.Model(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping")

	done := make(chan struct{})
	go func() {
		sched.Stop()
		if gw != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			_ = gw.Stop(shutdownCtx)
			cancelShutdown()
		}
		manager.Stop()
		cancel()
		<-engineDone
		if vault != nil {
			vault.Lock()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// shouldEnable checks whether a channel should be enabled given the
// --channel filter.
func shouldEnable(name string, filter []string, defaultEnabled bool) bool {
	if len(filter) == 0 {
		return defaultEnabled
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
