package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/malachi/pkg/malachi/bot"
	"github.com/jholhewres/malachi/pkg/malachi/channels"
	"github.com/jholhewres/malachi/pkg/malachi/store"
)

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("encoding response failed", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	g.writeJSON(w, code, map[string]string{"error": msg})
}

// handleHealth reports liveness plus per-channel connection state.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"status": "ok",
		"uptime": time.Since(g.startedAt).Round(time.Second).String(),
	}
	if g.health != nil {
		chans := map[string]bool{}
		for name, h := range g.health.HealthAll() {
			chans[name] = h.Connected
		}
		resp["channels"] = chans
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleStatus reports pipeline counters and cache state.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"engine": g.engine.Status(),
	}
	if g.syncer != nil {
		resp["knowledge"] = map[string]any{
			"items":          g.syncer.ItemCount(),
			"directives":     g.syncer.DirectiveCount(),
			"last_synced_at": g.syncer.LastSyncedAt(),
		}
	}
	if g.health != nil {
		resp["channels"] = g.health.HealthAll()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleConversations lists recent conversations.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	convs, err := g.store.Conversations(r.Context(), limit)
	if err != nil {
		g.writeError(w, "listing conversations: "+err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs, "count": len(convs)})
}

// handleConversationByID serves GET .../{id}/messages and DELETE .../{id}.
func (g *Gateway) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		g.writeError(w, "conversation id required", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && sub == "messages":
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		msgs, err := g.store.History(r.Context(), id, limit)
		if err != nil {
			g.writeError(w, "loading messages: "+err.Error(), http.StatusInternalServerError)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})

	case r.Method == http.MethodDelete && sub == "":
		if err := g.store.DeleteConversation(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.writeError(w, "conversation not found", http.StatusNotFound)
				return
			}
			g.writeError(w, "deleting conversation: "+err.Error(), http.StatusInternalServerError)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})

	default:
		g.writeError(w, "not found", http.StatusNotFound)
	}
}

// handleMemory serves GET (list) and POST (upsert) for user memories.
func (g *Gateway) handleMemory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		platform := r.URL.Query().Get("platform")
		if userID == "" || platform == "" {
			g.writeError(w, "user_id and platform are required", http.StatusBadRequest)
			return
		}
		memories, err := g.store.Memories(r.Context(), userID, platform)
		if err != nil {
			g.writeError(w, "loading memories: "+err.Error(), http.StatusInternalServerError)
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"memories": memories, "count": len(memories)})

	case http.MethodPost:
		var req struct {
			UserID   string `json:"user_id"`
			Platform string `json:"platform"`
			Key      string `json:"key"`
			Value    string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.Platform == "" || req.Key == "" {
			g.writeError(w, "user_id, platform, and key are required", http.StatusBadRequest)
			return
		}
		entry, err := g.store.UpsertMemory(r.Context(), req.UserID, req.Platform, req.Key, req.Value, g.cfg.MemoryMaxPerUser)
		if err != nil {
			g.writeError(w, "saving memory: "+err.Error(), http.StatusInternalServerError)
			return
		}
		g.writeJSON(w, http.StatusOK, entry)

	default:
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleMessage injects a message into the pipeline, as if it arrived from a
// platform. Useful for testing policy and retrieval without a real channel.
func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Platform string `json:"platform"`
		ChatID   string `json:"chat_id"`
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Platform == "" || req.ChatID == "" || req.Content == "" {
		g.writeError(w, "platform, chat_id, and content are required", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = "api"
	}

	msg := &channels.IncomingMessage{
		ID:        uuid.NewString(),
		Platform:  req.Platform,
		ChatID:    req.ChatID,
		From:      req.UserID,
		FromName:  req.UserName,
		Content:   req.Content,
		Timestamp: time.Now().UTC(),
		IsDirect:  true,
	}

	err := g.engine.Handle(r.Context(), msg)
	switch {
	case err == nil:
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "replied"})
	case errors.Is(err, bot.ErrAdmissionRejected):
		g.writeError(w, "rate limited", http.StatusTooManyRequests)
	case errors.Is(err, bot.ErrPolicyIgnored):
		g.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, bot.ErrRemoteUnavailable):
		g.writeError(w, "completion service unavailable", http.StatusBadGateway)
	default:
		g.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleSync triggers an immediate knowledge refresh.
func (g *Gateway) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if g.syncer == nil {
		g.writeError(w, "knowledge sync not configured", http.StatusServiceUnavailable)
		return
	}
	items, directives, err := g.syncer.Sync(r.Context())
	if err != nil {
		g.writeError(w, "sync failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"items": items, "directives": directives})
}
