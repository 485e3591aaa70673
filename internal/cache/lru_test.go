package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUEviction(t *testing.T) {
	c := NewLRU[string, int](2, 0)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.Set("c", 3)

	_, ok = c.Get("b")
	assert.False(t, ok)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())
}

func TestLRUTTL(t *testing.T) {
	c := NewLRU[string, string](10, 20*time.Millisecond)
	defer c.Close()

	c.Set("k", "v")
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestLRUCleanup(t *testing.T) {
	c := NewLRU[int, int](10, 10*time.Millisecond)
	defer c.Close()

	c.Set(1, 1)
	c.Set(2, 2)
	time.Sleep(20 * time.Millisecond)
	c.Set(3, 3)

	removed := c.Cleanup()
	assert.Equal(t, 2, removed)
	assert.Equal(t, []int{3}, c.Keys())
}
