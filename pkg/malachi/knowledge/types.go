// Package knowledge implements the read-through cache of remote knowledge
// entries and behavioral directives. The remote service is the source of
// truth; the local cache is eventually consistent, refreshed by sync and
// persisted in SQLite so a restart does not begin cold.
package knowledge

import "time"

// Item is a cached knowledge entry usable as retrieval context.
type Item struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Content  string    `json:"content"`
	Category string    `json:"category"`
	SyncedAt time.Time `json:"synced_at"`

	// Embedding is the similarity-search vector, empty when the remote
	// provides none.
	Embedding []float32 `json:"embedding,omitempty"`
}

// Directive is a behavioral instruction injected into the assembled prompt.
// Higher priority applies first.
type Directive struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Content  string    `json:"content"`
	Active   bool      `json:"active"`
	Priority int       `json:"priority"`
	SyncedAt time.Time `json:"synced_at"`
}

// ItemFetch is the result of one knowledge fetch from the remote.
// DeletedIDs carries identifiers the remote explicitly retired; everything
// else absent from Items is left untouched locally.
type ItemFetch struct {
	Items      []Item   `json:"items"`
	DeletedIDs []string `json:"deleted_ids"`
}

// DirectiveFetch is the result of one directive fetch from the remote.
type DirectiveFetch struct {
	Directives []Directive `json:"directives"`
	DeletedIDs []string    `json:"deleted_ids"`
}
