package knowledge

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// stubFetcher serves canned fetch results so tests control the upstream.
type stubFetcher struct {
	items      ItemFetch
	directives DirectiveFetch
	err        error
}

func (f *stubFetcher) FetchItems(ctx context.Context) (ItemFetch, error) {
	if f.err != nil {
		return ItemFetch{}, f.err
	}
	return f.items, nil
}

func (f *stubFetcher) FetchDirectives(ctx context.Context) (DirectiveFetch, error) {
	if f.err != nil {
		return DirectiveFetch{}, f.err
	}
	return f.directives, nil
}

func newTestCache(t *testing.T, fetcher Fetcher) *Cache {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	cache, err := NewCache(context.Background(), store, fetcher, nil, nil)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	return cache
}

func TestSyncUpsertsWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	fetcher := &stubFetcher{items: ItemFetch{Items: []Item{
		{ID: "k1", Title: "Returns", Content: "Returns are accepted within 30 days."},
		{ID: "k2", Title: "Shipping", Content: "Orders ship within 2 business days."},
		{ID: "k3", Title: "Warranty", Content: "All products carry a one year warranty."},
	}}}
	cache := newTestCache(t, fetcher)

	items, _, err := cache.Sync(ctx)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if items != 3 {
		t.Fatalf("expected 3 items after first sync, got %d", items)
	}

	// A later fetch carries one updated row and one new row. Rows absent
	// from the fetch stay cached.
	fetcher.items = ItemFetch{Items: []Item{
		{ID: "k2", Title: "Shipping", Content: "Orders now ship same day."},
		{ID: "k4", Title: "Payments", Content: "We accept cards and bank transfer."},
	}}
	items, _, err = cache.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if items != 4 {
		t.Fatalf("expected 4 items after overlapping sync, got %d", items)
	}

	results := cache.Search(ctx, "ship", 10, 0.1)
	if len(results) != 1 || results[0].ID != "k2" {
		t.Fatalf("expected updated k2, got %+v", results)
	}
	if results[0].Content != "Orders now ship same day." {
		t.Fatalf("k2 was not updated: %q", results[0].Content)
	}
}

func TestSyncDeletesSignaledIDs(t *testing.T) {
	ctx := context.Background()
	fetcher := &stubFetcher{items: ItemFetch{Items: []Item{
		{ID: "k1", Title: "Old policy", Content: "superseded text"},
		{ID: "k2", Title: "Current policy", Content: "current text"},
	}}}
	cache := newTestCache(t, fetcher)
	if _, _, err := cache.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	fetcher.items = ItemFetch{DeletedIDs: []string{"k1"}}
	items, _, err := cache.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if items != 1 {
		t.Fatalf("expected 1 item after deletion, got %d", items)
	}
	if results := cache.Search(ctx, "superseded", 10, 0.1); len(results) != 0 {
		t.Fatalf("deleted item still searchable: %+v", results)
	}
}

func TestSyncFailureKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	fetcher := &stubFetcher{items: ItemFetch{Items: []Item{
		{ID: "k1", Title: "Hours", Content: "Open weekdays 9 to 5."},
	}}}
	cache := newTestCache(t, fetcher)
	if _, _, err := cache.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	fetcher.err = context.DeadlineExceeded
	if _, _, err := cache.Sync(ctx); err == nil {
		t.Fatal("expected sync error")
	}
	if results := cache.Search(ctx, "weekdays", 10, 0.1); len(results) != 1 {
		t.Fatalf("stale snapshot should keep serving, got %+v", results)
	}
}

func TestSearchThresholdAndRanking(t *testing.T) {
	ctx := context.Background()
	fetcher := &stubFetcher{items: ItemFetch{Items: []Item{
		{ID: "k1", Title: "Refund policy", Content: "Refund requests take five days."},
		{ID: "k2", Title: "Refund exceptions", Content: "No refund on clearance items."},
		{ID: "k3", Title: "Store hours", Content: "Open on weekends."},
	}}}
	cache := newTestCache(t, fetcher)
	if _, _, err := cache.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Both refund items match every query term; the hours item matches none
	// and falls below the threshold.
	results := cache.Search(ctx, "refund", 10, 0.5)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(results), results)
	}
	for _, r := range results {
		if r.ID == "k3" {
			t.Fatal("below-threshold item returned")
		}
	}

	// Equal scores fall back to ID order, so ranking does not depend on
	// fetch order.
	if results[0].ID > results[1].ID {
		t.Fatalf("tie-break not deterministic: %s before %s", results[0].ID, results[1].ID)
	}

	// topK truncates after ranking.
	if got := cache.Search(ctx, "refund", 1, 0.1); len(got) != 1 {
		t.Fatalf("expected topK=1 to return 1 result, got %d", len(got))
	}
}

func TestSearchPartialTermMatchScoresLower(t *testing.T) {
	ctx := context.Background()
	fetcher := &stubFetcher{items: ItemFetch{Items: []Item{
		{ID: "k1", Title: "Shipping times", Content: "International shipping takes two weeks."},
		{ID: "k2", Title: "Shipping costs", Content: "Shipping is free over fifty dollars and international orders pay duty."},
	}}}
	cache := newTestCache(t, fetcher)
	if _, _, err := cache.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// k2 matches both terms, k1 matches both too; query where only k2
	// matches all terms ranks it first.
	results := cache.Search(ctx, "shipping free duty", 10, 0.1)
	if len(results) == 0 || results[0].ID != "k2" {
		t.Fatalf("expected k2 ranked first, got %+v", results)
	}
}

func TestActiveDirectivesOrdering(t *testing.T) {
	ctx := context.Background()
	fetcher := &stubFetcher{directives: DirectiveFetch{Directives: []Directive{
		{ID: "d1", Name: "tone", Content: "Be concise.", Active: true, Priority: 1},
		{ID: "d2", Name: "safety", Content: "Never share internal data.", Active: true, Priority: 10},
		{ID: "d3", Name: "legacy", Content: "Old rule.", Active: false, Priority: 99},
	}}}
	cache := newTestCache(t, fetcher)
	if _, _, err := cache.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	active := cache.ActiveDirectives()
	if len(active) != 2 {
		t.Fatalf("expected 2 active directives, got %d", len(active))
	}
	if active[0].ID != "d2" || active[1].ID != "d1" {
		t.Fatalf("wrong priority order: %+v", active)
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "knowledge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	fetcher := &stubFetcher{items: ItemFetch{Items: []Item{
		{ID: "k1", Title: "Greeting", Content: "Welcome message for new users.", SyncedAt: time.Now()},
	}}}
	cache, err := NewCache(ctx, store, fetcher, nil, nil)
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	if _, _, err := cache.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// A fresh cache over the same database serves content before any sync.
	reopened, err := NewCache(ctx, store, &stubFetcher{err: context.DeadlineExceeded}, nil, nil)
	if err != nil {
		t.Fatalf("reopen cache: %v", err)
	}
	if results := reopened.Search(ctx, "welcome", 10, 0.1); len(results) != 1 {
		t.Fatalf("persisted item not served after restart: %+v", results)
	}
	if !reopened.LastSyncedAt().IsZero() {
		t.Fatal("restart should report zero sync time until the first sync")
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Fatalf("identical vectors should score 1, got %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors should score 0, got %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}); got != 0 {
		t.Fatalf("mismatched dimensions should score 0, got %f", got)
	}
}
