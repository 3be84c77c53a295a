// Package gateway provides the management HTTP API.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/bot"
	"github.com/jholhewres/malachi/pkg/malachi/channels"
	"github.com/jholhewres/malachi/pkg/malachi/store"
)

// Config holds gateway configuration.
type Config struct {
	// Enabled turns the HTTP API on.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address (default 127.0.0.1:8085).
	Address string `yaml:"address"`

	// AuthToken protects every route except /health when non-empty.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins enables CORS for the listed origins ("*" allows all).
	CORSOrigins []string `yaml:"cors_origins"`

	// MemoryMaxPerUser caps memory entries written through the API; set from
	// the root config, not this section.
	MemoryMaxPerUser int `yaml:"-"`
}

// Syncer triggers a knowledge refresh. Satisfied by *knowledge.Cache.
type Syncer interface {
	Sync(ctx context.Context) (int, int, error)
	ItemCount() int
	DirectiveCount() int
	LastSyncedAt() time.Time
}

// HealthReporter exposes per-channel health. Satisfied by *channels.Manager.
type HealthReporter interface {
	HealthAll() map[string]channels.HealthStatus
}

// Gateway is the management HTTP server.
type Gateway struct {
	cfg       Config
	engine    *bot.Engine
	store     *store.Store
	syncer    Syncer
	health    HealthReporter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a gateway.
func New(cfg Config, engine *bot.Engine, st *store.Store, syncer Syncer, health HealthReporter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8085"
	}
	return &Gateway{
		cfg:    cfg,
		engine: engine,
		store:  st,
		syncer: syncer,
		health: health,
		logger: logger.With("component", "gateway"),
	}
}

// Start begins serving in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/conversations", g.handleConversations)
	mux.HandleFunc("/api/conversations/", g.handleConversationByID)
	mux.HandleFunc("/api/memory", g.handleMemory)
	mux.HandleFunc("/api/message", g.handleMessage)
	mux.HandleFunc("/api/sync", g.handleSync)

	handler := g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
	g.server = &http.Server{
		Addr:    g.cfg.Address,
		Handler: handler,
	}

	if g.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address",
				"address", g.cfg.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.cfg.Address)
	return nil
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}
