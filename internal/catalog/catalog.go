// Package catalog resolves model metadata (context windows, capabilities,
// cost) from a remote JSON catalog, with a TTL cache and a baked-in snapshot
// for offline starts.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"rove/internal/cache"
	"rove/internal/logging"
)

// DefaultURL is the public model catalog endpoint.
const DefaultURL = "https://models.dev/api.json"

// DefaultTTL is how long a fetched catalog stays fresh.
const DefaultTTL = 5 * time.Minute

// Model is one catalog entry.
type Model struct {
	ID           string
	Name         string
	ContextLimit int
	OutputLimit  int
	Reasoning    bool
	ToolCall     bool
	CostInput    float64
	CostOutput   float64
}

// providerDefaults supplies context limits when a model is not in the
// catalog at all.
var providerDefaults = map[string]int{
	"anthropic": 200000,
	"google":    1048576,
	"openai":    128000,
	"ollama":    8192,
}

const fallbackContextLimit = 128000

type wireModel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Limit struct {
		Context int `json:"context"`
		Output  int `json:"output"`
	} `json:"limit"`
	Reasoning bool `json:"reasoning"`
	ToolCall  bool `json:"tool_call"`
	Cost      struct {
		Input  float64 `json:"input"`
		Output float64 `json:"output"`
	} `json:"cost"`
}

type wireProvider struct {
	ID     string               `json:"id"`
	Models map[string]wireModel `json:"models"`
}

// Client fetches and caches the model catalog. Concurrent cache misses share
// a single in-flight fetch.
type Client struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client

	group   singleflight.Group
	lookups *cache.LRU[string, *Model]

	mu        sync.RWMutex
	snapshot  map[string]wireProvider
	fetchedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

// New creates a catalog client. An empty url selects DefaultURL.
func New(url string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:        url,
		ttl:        DefaultTTL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lookups:    cache.NewLRU[string, *Model](256, DefaultTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases cache resources.
func (c *Client) Close() {
	c.lookups.Close()
}

// Get resolves a model. Returns (nil, nil) when the catalog has no entry;
// the caller applies provider defaults. Lookup order: exact id, then
// substring match against the provider's model ids.
func (c *Client) Get(ctx context.Context, provider, model string) (*Model, error) {
	key := provider + "/" + model
	if m, ok := c.lookups.Get(key); ok {
		return m, nil
	}

	snapshot, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	m := resolve(snapshot, provider, model)
	c.lookups.Set(key, m)
	return m, nil
}

// ContextLimit returns the model's context window, falling back to provider
// defaults when the model is unknown.
func (c *Client) ContextLimit(ctx context.Context, provider, model string) int {
	m, err := c.Get(ctx, provider, model)
	if err == nil && m != nil && m.ContextLimit > 0 {
		return m.ContextLimit
	}
	if limit, ok := providerDefaults[strings.ToLower(provider)]; ok {
		return limit
	}
	return fallbackContextLimit
}

// Providers returns the provider ids in the current catalog.
func (c *Client) Providers(ctx context.Context) ([]string, error) {
	snapshot, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	return ids, nil
}

// Models returns every model id for a provider.
func (c *Client) Models(ctx context.Context, provider string) ([]string, error) {
	snapshot, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := snapshot[strings.ToLower(provider)]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(p.Models))
	for id := range p.Models {
		ids = append(ids, id)
	}
	return ids, nil
}

// current returns a fresh-enough snapshot, refreshing through singleflight
// when stale. A failed refresh serves the stale snapshot if one exists.
func (c *Client) current(ctx context.Context) (map[string]wireProvider, error) {
	c.mu.RLock()
	snapshot, fetchedAt := c.snapshot, c.fetchedAt
	c.mu.RUnlock()

	if snapshot != nil && time.Since(fetchedAt) < c.ttl {
		return snapshot, nil
	}

	fetched, err, _ := c.group.Do("catalog", func() (any, error) {
		// Another waiter may have refreshed while we queued.
		c.mu.RLock()
		cur, at := c.snapshot, c.fetchedAt
		c.mu.RUnlock()
		if cur != nil && time.Since(at) < c.ttl {
			return cur, nil
		}

		fresh, ferr := c.fetch(ctx)
		if ferr != nil {
			return nil, ferr
		}

		c.mu.Lock()
		c.snapshot = fresh
		c.fetchedAt = time.Now()
		c.mu.Unlock()
		c.lookups.Clear()
		return fresh, nil
	})
	if err != nil {
		if snapshot != nil {
			logging.Warn("catalog refresh failed, serving stale", "error", err)
			return snapshot, nil
		}
		logging.Warn("catalog unavailable, using baked-in snapshot", "error", err)
		return bakedSnapshot(), nil
	}
	return fetched.(map[string]wireProvider), nil
}

func (c *Client) fetch(ctx context.Context) (map[string]wireProvider, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch catalog: status %d", resp.StatusCode)
	}

	var snapshot map[string]wireProvider
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return snapshot, nil
}

// resolve finds a model within a snapshot, nil when unknown.
func resolve(snapshot map[string]wireProvider, provider, model string) *Model {
	p, ok := snapshot[strings.ToLower(provider)]
	if !ok {
		return nil
	}

	if wm, ok := p.Models[model]; ok {
		return fromWire(model, wm)
	}

	// Substring fallback: versioned or tagged ids still resolve to their
	// base entry. Prefer the longest overlap.
	lower := strings.ToLower(model)
	bestID := ""
	for id := range p.Models {
		idLower := strings.ToLower(id)
		if strings.Contains(lower, idLower) || strings.Contains(idLower, lower) {
			if len(id) > len(bestID) {
				bestID = id
			}
		}
	}
	if bestID == "" {
		return nil
	}
	wm := p.Models[bestID]
	return fromWire(bestID, wm)
}

func fromWire(id string, wm wireModel) *Model {
	if wm.ID == "" {
		wm.ID = id
	}
	return &Model{
		ID:           wm.ID,
		Name:         wm.Name,
		ContextLimit: wm.Limit.Context,
		OutputLimit:  wm.Limit.Output,
		Reasoning:    wm.Reasoning,
		ToolCall:     wm.ToolCall,
		CostInput:    wm.Cost.Input,
		CostOutput:   wm.Cost.Output,
	}
}
