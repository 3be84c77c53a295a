// Package knowledge – remote.go pulls knowledge items and directives from the
// upstream content service. Fetches are full snapshots of changed rows plus an
// optional list of retired identifiers.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteConfig configures the upstream content service.
type RemoteConfig struct {
	// BaseURL is the root of the content service API.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a Bearer token when non-empty.
	APIKey string `yaml:"api_key"`

	// Timeout bounds each fetch (default 30s).
	Timeout time.Duration `yaml:"timeout"`
}

// RemoteClient fetches knowledge and directives over HTTP.
type RemoteClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteClient creates a client for the content service.
func NewRemoteClient(cfg RemoteConfig) *RemoteClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchItems retrieves the current knowledge items.
func (c *RemoteClient) FetchItems(ctx context.Context) (ItemFetch, error) {
	var fetch ItemFetch
	if err := c.get(ctx, "/knowledge", &fetch); err != nil {
		return ItemFetch{}, err
	}
	return fetch, nil
}

// FetchDirectives retrieves the current behavioral directives.
func (c *RemoteClient) FetchDirectives(ctx context.Context) (DirectiveFetch, error) {
	var fetch DirectiveFetch
	if err := c.get(ctx, "/directives", &fetch); err != nil {
		return DirectiveFetch{}, err
	}
	return fetch, nil
}

func (c *RemoteClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d: %s", path, resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
