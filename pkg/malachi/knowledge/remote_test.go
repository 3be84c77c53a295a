package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRemoteClientDecodesFetchPayloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization header = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/knowledge":
			w.Write([]byte(`{
				"items": [{"id": "k1", "title": "Returns", "content": "30 days", "category": "policy"}],
				"deleted_ids": ["k9"]
			}`))
		case "/directives":
			w.Write([]byte(`{
				"directives": [{"id": "d1", "name": "tone", "content": "be brief", "active": true, "priority": 5}],
				"deleted_ids": ["d9"]
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewRemoteClient(RemoteConfig{BaseURL: srv.URL, APIKey: "secret"})
	ctx := context.Background()

	items, err := client.FetchItems(ctx)
	if err != nil {
		t.Fatalf("fetch items: %v", err)
	}
	if len(items.Items) != 1 || items.Items[0].ID != "k1" {
		t.Fatalf("items decoded wrong: %+v", items.Items)
	}
	// The retirement list rides the same payload; losing it means deleted
	// entries linger in the cache forever.
	if len(items.DeletedIDs) != 1 || items.DeletedIDs[0] != "k9" {
		t.Fatalf("deleted_ids = %v, want [k9]", items.DeletedIDs)
	}

	directives, err := client.FetchDirectives(ctx)
	if err != nil {
		t.Fatalf("fetch directives: %v", err)
	}
	if len(directives.Directives) != 1 || !directives.Directives[0].Active || directives.Directives[0].Priority != 5 {
		t.Fatalf("directives decoded wrong: %+v", directives.Directives)
	}
	if len(directives.DeletedIDs) != 1 || directives.DeletedIDs[0] != "d9" {
		t.Fatalf("deleted_ids = %v, want [d9]", directives.DeletedIDs)
	}
}

func TestRemoteClientSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewRemoteClient(RemoteConfig{BaseURL: srv.URL})
	if _, err := client.FetchItems(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
