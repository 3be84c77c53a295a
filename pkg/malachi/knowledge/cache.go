// Package knowledge – cache.go holds the in-memory snapshot that serves reads.
// Reads never block on sync: a sync builds the next snapshot off to the side
// and swaps it in atomically, so readers see either the old state or the new
// state, never a partial mix.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Fetcher retrieves the upstream content. Satisfied by RemoteClient.
type Fetcher interface {
	FetchItems(ctx context.Context) (ItemFetch, error)
	FetchDirectives(ctx context.Context) (DirectiveFetch, error)
}

// Config configures the knowledge cache.
type Config struct {
	Remote RemoteConfig `yaml:"remote"`

	// SyncInterval is how often the scheduler refreshes the cache.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// TopK is the default number of items returned by search.
	TopK int `yaml:"top_k"`

	// SimilarityThreshold drops weak matches (0 disables).
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	Embedding EmbeddingConfig `yaml:"embedding"`
}

// DefaultConfig returns sensible cache defaults.
func DefaultConfig() Config {
	return Config{
		SyncInterval:        15 * time.Minute,
		TopK:                5,
		SimilarityThreshold: 0.3,
		Embedding:           EmbeddingConfig{Provider: "none"},
	}
}

// snapshot is one immutable generation of cache state.
type snapshot struct {
	items      []Item
	directives []Directive
	syncedAt   time.Time
}

// Cache serves knowledge search and directives from memory, refreshed by Sync.
type Cache struct {
	store    *SQLiteStore
	fetcher  Fetcher
	embedder EmbeddingProvider
	logger   *slog.Logger

	current atomic.Pointer[snapshot]
	syncMu  sync.Mutex
}

// NewCache builds the cache and loads the persisted snapshot so the bot can
// answer from cached content before the first sync completes.
func NewCache(ctx context.Context, store *SQLiteStore, fetcher Fetcher, embedder EmbeddingProvider, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store:    store,
		fetcher:  fetcher,
		embedder: embedder,
		logger:   logger.With("component", "knowledge"),
	}
	if err := c.reload(ctx, time.Time{}); err != nil {
		return nil, fmt.Errorf("load knowledge cache: %w", err)
	}
	return c, nil
}

// Sync pulls fresh content, persists it, and swaps in a new snapshot.
// On failure the previous snapshot keeps serving reads.
func (c *Cache) Sync(ctx context.Context) (int, int, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	items, err := c.fetcher.FetchItems(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch knowledge: %w", err)
	}
	directives, err := c.fetcher.FetchDirectives(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch directives: %w", err)
	}

	now := time.Now().UTC()
	for i := range items.Items {
		if items.Items[i].SyncedAt.IsZero() {
			items.Items[i].SyncedAt = now
		}
	}
	for i := range directives.Directives {
		if directives.Directives[i].SyncedAt.IsZero() {
			directives.Directives[i].SyncedAt = now
		}
	}

	if err := c.embedMissing(ctx, items.Items); err != nil {
		// Embeddings are an enhancement; lexical search still works without
		// them, so a failed batch does not abort the sync.
		c.logger.Warn("embedding batch failed, keeping items without vectors", "error", err)
	}

	if err := c.store.UpsertItems(ctx, items.Items, items.DeletedIDs); err != nil {
		return 0, 0, err
	}
	if err := c.store.UpsertDirectives(ctx, directives.Directives, directives.DeletedIDs); err != nil {
		return 0, 0, err
	}

	if err := c.reload(ctx, now); err != nil {
		return 0, 0, err
	}

	snap := c.current.Load()
	c.logger.Info("knowledge sync complete",
		"items", len(snap.items),
		"directives", len(snap.directives),
		"deleted_items", len(items.DeletedIDs),
		"deleted_directives", len(directives.DeletedIDs))
	return len(snap.items), len(snap.directives), nil
}

// reload rebuilds the snapshot from SQLite and swaps it in.
func (c *Cache) reload(ctx context.Context, syncedAt time.Time) error {
	items, err := c.store.AllItems(ctx)
	if err != nil {
		return err
	}
	directives, err := c.store.AllDirectives(ctx)
	if err != nil {
		return err
	}
	c.current.Store(&snapshot{items: items, directives: directives, syncedAt: syncedAt})
	return nil
}

// embedMissing fills in vectors for items that arrived without one.
func (c *Cache) embedMissing(ctx context.Context, items []Item) error {
	if c.embedder == nil {
		return nil
	}
	var texts []string
	var indices []int
	for i, item := range items {
		if len(item.Embedding) == 0 {
			texts = append(texts, item.Title+"\n"+item.Content)
			indices = append(indices, i)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for j, idx := range indices {
		if j < len(vectors) {
			items[idx].Embedding = vectors[j]
		}
	}
	return nil
}

// scoredItem pairs an item with its relevance score during ranking.
type scoredItem struct {
	item  Item
	score float64
}

// Search returns the topK items most relevant to the query, best first.
// Scores below threshold are dropped. Semantic scoring is used when an
// embedding provider is configured and the query can be embedded; otherwise
// the lexical term-overlap score applies. Both scores live in [0, 1] so the
// threshold means the same thing either way.
func (c *Cache) Search(ctx context.Context, query string, topK int, threshold float64) []Item {
	snap := c.current.Load()
	if snap == nil || len(snap.items) == 0 || strings.TrimSpace(query) == "" {
		return nil
	}
	if topK <= 0 {
		topK = 5
	}

	var queryVec []float32
	if c.embedder != nil {
		vectors, err := c.embedder.Embed(ctx, []string{query})
		if err != nil || len(vectors) == 0 {
			c.logger.Warn("query embedding failed, using lexical search", "error", err)
		} else {
			queryVec = vectors[0]
		}
	}

	scored := make([]scoredItem, 0, len(snap.items))
	for _, item := range snap.items {
		var score float64
		if queryVec != nil && len(item.Embedding) > 0 {
			score = cosineSimilarity(queryVec, item.Embedding)
		} else {
			score = lexicalScore(query, item)
		}
		if score < threshold {
			continue
		}
		scored = append(scored, scoredItem{item: item, score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if !scored[i].item.SyncedAt.Equal(scored[j].item.SyncedAt) {
			return scored[i].item.SyncedAt.After(scored[j].item.SyncedAt)
		}
		return scored[i].item.ID < scored[j].item.ID
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}
	results := make([]Item, len(scored))
	for i, s := range scored {
		results[i] = s.item
	}
	return results
}

// lexicalScore is the fraction of query terms that appear in the item's
// title or content, case-insensitive.
func lexicalScore(query string, item Item) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(item.Title + " " + item.Content)
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// ActiveDirectives returns enabled directives ordered by priority, highest
// first, with name as the tie-break so the ordering is stable.
func (c *Cache) ActiveDirectives() []Directive {
	snap := c.current.Load()
	if snap == nil {
		return nil
	}
	var active []Directive
	for _, d := range snap.directives {
		if d.Active {
			active = append(active, d)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].Name < active[j].Name
	})
	return active
}

// ItemCount reports the number of cached knowledge items.
func (c *Cache) ItemCount() int {
	if snap := c.current.Load(); snap != nil {
		return len(snap.items)
	}
	return 0
}

// DirectiveCount reports the number of cached directives, active or not.
func (c *Cache) DirectiveCount() int {
	if snap := c.current.Load(); snap != nil {
		return len(snap.directives)
	}
	return 0
}

// LastSyncedAt reports when the snapshot was last refreshed from upstream.
// Zero means only the persisted copy has been loaded so far.
func (c *Cache) LastSyncedAt() time.Time {
	if snap := c.current.Load(); snap != nil {
		return snap.syncedAt
	}
	return time.Time{}
}
