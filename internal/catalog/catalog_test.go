package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `{
	"anthropic": {
		"id": "anthropic",
		"models": {
			"claude-sonnet-4-5": {
				"id": "claude-sonnet-4-5",
				"name": "Claude Sonnet 4.5",
				"limit": {"context": 200000, "output": 64000},
				"reasoning": true,
				"tool_call": true,
				"cost": {"input": 3, "output": 15}
			}
		}
	},
	"ollama": {
		"id": "ollama",
		"models": {
			"qwen3": {
				"id": "qwen3",
				"limit": {"context": 32768, "output": 8192},
				"tool_call": true
			}
		}
	}
}`

func newTestServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(testCatalog))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetExact(t *testing.T) {
	srv := newTestServer(t, nil)
	c := New(srv.URL)
	defer c.Close()

	m, err := c.Get(context.Background(), "anthropic", "claude-sonnet-4-5")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 200000, m.ContextLimit)
	assert.Equal(t, 64000, m.OutputLimit)
	assert.True(t, m.Reasoning)
	assert.True(t, m.ToolCall)
	assert.Equal(t, 3.0, m.CostInput)
}

func TestGetSubstringFallback(t *testing.T) {
	srv := newTestServer(t, nil)
	c := New(srv.URL)
	defer c.Close()

	// Dated id resolves to the base entry.
	m, err := c.Get(context.Background(), "anthropic", "claude-sonnet-4-5-20250929")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "claude-sonnet-4-5", m.ID)

	// Unknown stays unknown.
	m, err = c.Get(context.Background(), "anthropic", "entirely-unrelated")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestContextLimitDefaults(t *testing.T) {
	srv := newTestServer(t, nil)
	c := New(srv.URL)
	defer c.Close()

	ctx := context.Background()
	assert.Equal(t, 32768, c.ContextLimit(ctx, "ollama", "qwen3"))
	assert.Equal(t, 8192, c.ContextLimit(ctx, "ollama", "never-heard-of-it"))
	assert.Equal(t, 1048576, c.ContextLimit(ctx, "google", "unknown"))
	assert.Equal(t, fallbackContextLimit, c.ContextLimit(ctx, "acme", "unknown"))
}

func TestFetchDedup(t *testing.T) {
	var hits atomic.Int64
	srv := newTestServer(t, &hits)
	c := New(srv.URL)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "anthropic", "claude-sonnet-4-5")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load())
}

func TestTTLRefresh(t *testing.T) {
	var hits atomic.Int64
	srv := newTestServer(t, &hits)
	c := New(srv.URL, WithTTL(30*time.Millisecond))
	defer c.Close()

	ctx := context.Background()
	_, err := c.Providers(ctx)
	require.NoError(t, err)
	_, err = c.Providers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())

	time.Sleep(40 * time.Millisecond)
	_, err = c.Providers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestServeStaleOnFailure(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(testCatalog))
	}))
	defer srv.Close()

	c := New(srv.URL, WithTTL(10*time.Millisecond))
	defer c.Close()

	ctx := context.Background()
	m, err := c.Get(ctx, "anthropic", "claude-sonnet-4-5")
	require.NoError(t, err)
	require.NotNil(t, m)

	failing.Store(true)
	time.Sleep(20 * time.Millisecond)

	// Stale snapshot still answers.
	m, err = c.Get(ctx, "ollama", "qwen3")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 32768, m.ContextLimit)
}

func TestBakedSnapshotWhenUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1/api.json", WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	defer c.Close()

	m, err := c.Get(context.Background(), "openai", "gpt-4o")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 128000, m.ContextLimit)
}
