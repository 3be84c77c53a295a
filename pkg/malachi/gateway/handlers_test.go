package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/malachi/pkg/malachi/bot"
	"github.com/jholhewres/malachi/pkg/malachi/channels"
	"github.com/jholhewres/malachi/pkg/malachi/knowledge"
	"github.com/jholhewres/malachi/pkg/malachi/llm"
	"github.com/jholhewres/malachi/pkg/malachi/store"
)

type fixedCompleter struct{ reply string }

func (f *fixedCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	return f.reply, nil
}

type nullSender struct{}

func (nullSender) Send(ctx context.Context, platform, chatID string, msg *channels.OutgoingMessage) error {
	return nil
}

type nullRetriever struct{}

func (nullRetriever) Search(ctx context.Context, query string, topK int, threshold float64) []knowledge.Item {
	return nil
}

func (nullRetriever) ActiveDirectives() []knowledge.Directive { return nil }

type stubSyncer struct {
	items, directives int
	syncedAt          time.Time
}

func (s *stubSyncer) Sync(ctx context.Context) (int, int, error) {
	s.syncedAt = time.Now()
	return s.items, s.directives, nil
}

func (s *stubSyncer) ItemCount() int           { return s.items }
func (s *stubSyncer) DirectiveCount() int      { return s.directives }
func (s *stubSyncer) LastSyncedAt() time.Time  { return s.syncedAt }

func newTestGateway(t *testing.T, authToken string) (*Gateway, http.Handler, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gw.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := bot.DefaultConfig()
	cfg.Dispatcher.RetryAttempts = 1
	cfg.Dispatcher.RetryDelay = time.Millisecond
	d := bot.NewDispatcher(&fixedCompleter{reply: "hello from api"}, cfg.Dispatcher, nil)
	engine := bot.NewEngine(cfg, st, nullRetriever{}, d, nullSender{}, nil)

	g := New(Config{AuthToken: authToken}, engine, st, &stubSyncer{items: 2, directives: 1}, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/status", g.handleStatus)
	mux.HandleFunc("/api/conversations", g.handleConversations)
	mux.HandleFunc("/api/conversations/", g.handleConversationByID)
	mux.HandleFunc("/api/memory", g.handleMemory)
	mux.HandleFunc("/api/message", g.handleMessage)
	mux.HandleFunc("/api/sync", g.handleSync)
	handler := g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
	return g, handler, st
}

func TestHealthIsPublic(t *testing.T) {
	_, handler, _ := newTestGateway(t, "secret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
}

func TestAuthRequiredForAPI(t *testing.T) {
	_, handler, _ := newTestGateway(t, "secret")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}
}

func TestMessageEndpointRunsPipeline(t *testing.T) {
	_, handler, st := newTestGateway(t, "")

	body := `{"platform":"discord","chat_id":"c1","user_id":"u1","content":"ping"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/message", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	history, err := st.HistoryForChat(context.Background(), "discord", "c1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected persisted turn, got %d messages", len(history))
	}

	// The conversation now shows up in the listing and message routes.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	var listResp struct {
		Count int `json:"count"`
		Conversations []store.Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listResp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listResp.Count != 1 {
		t.Fatalf("expected 1 conversation, got %d", listResp.Count)
	}

	convID := listResp.Conversations[0].ID
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/conversations/"+convID+"/messages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("messages route failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/conversations/"+convID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/conversations/"+convID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete should 404, got %d", rec.Code)
	}
}

func TestMemoryEndpoints(t *testing.T) {
	_, handler, _ := newTestGateway(t, "")

	body := `{"user_id":"u1","platform":"discord","key":"city","value":"Porto"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/memory", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("memory upsert failed: %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/memory?user_id=u1&platform=discord", nil))
	var resp struct {
		Count    int                 `json:"count"`
		Memories []store.MemoryEntry `json:"memories"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode memories: %v", err)
	}
	if resp.Count != 1 || resp.Memories[0].Value != "Porto" {
		t.Fatalf("wrong memories: %+v", resp)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/memory", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing params should 400, got %d", rec.Code)
	}
}

func TestSyncEndpoint(t *testing.T) {
	_, handler, _ := newTestGateway(t, "")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("sync failed: %d", rec.Code)
	}
	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode sync: %v", err)
	}
	if resp["items"] != 2 || resp["directives"] != 1 {
		t.Fatalf("wrong sync counts: %+v", resp)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET sync should 405, got %d", rec.Code)
	}
}
