// Package config ties the per-component configuration sections together and
// handles loading them from YAML with secrets resolved from the vault, the OS
// keyring, and the environment.
package config

import (
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/bot"
	"github.com/jholhewres/malachi/pkg/malachi/channels/discord"
	"github.com/jholhewres/malachi/pkg/malachi/channels/telegram"
	"github.com/jholhewres/malachi/pkg/malachi/channels/whatsapp"
	"github.com/jholhewres/malachi/pkg/malachi/gateway"
	"github.com/jholhewres/malachi/pkg/malachi/knowledge"
	"github.com/jholhewres/malachi/pkg/malachi/llm"
	"github.com/jholhewres/malachi/pkg/malachi/scheduler"
	"github.com/jholhewres/malachi/pkg/malachi/store"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Store     store.Config     `yaml:"store"`
	LLM       llm.Config       `yaml:"llm"`
	Knowledge knowledge.Config `yaml:"knowledge"`
	Bot       bot.Config       `yaml:"bot"`
	Channels  ChannelsConfig   `yaml:"channels"`
	Gateway   gateway.Config   `yaml:"gateway"`
	Scheduler scheduler.Config `yaml:"scheduler"`

	// MemoryMaxPerUser caps stored memory entries per user (0 disables).
	MemoryMaxPerUser int `yaml:"memory_max_per_user"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// ChannelsConfig groups per-platform channel settings.
type ChannelsConfig struct {
	Discord  discord.Config  `yaml:"discord"`
	Telegram telegram.Config `yaml:"telegram"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Store: store.Config{
			Path:        "./data/malachi.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		LLM: llm.Config{
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		Knowledge: knowledge.DefaultConfig(),
		Bot:       bot.DefaultConfig(),
		Channels: ChannelsConfig{
			Discord:  discord.Config{SendTyping: true},
			Telegram: telegram.Config{SendTyping: true},
			WhatsApp: whatsapp.Config{SendTyping: true},
		},
		Gateway: gateway.Config{
			Address: "127.0.0.1:8085",
		},
		Scheduler:        scheduler.DefaultConfig(),
		MemoryMaxPerUser: 100,
	}
}
