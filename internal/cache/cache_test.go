package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestMemoryExpiry(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestJSONRoundTrip(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, c.SetJSON(ctx, "p", payload{Name: "hero", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, c.GetJSON(ctx, "p", &got))
	assert.Equal(t, "hero", got.Name)
	assert.Equal(t, 3, got.Count)
}

func TestGetOrSetJSONComputesOnce(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	calls := 0
	compute := func() (interface{}, error) {
		calls++
		return map[string]string{"a": "b"}, nil
	}

	var out map[string]string
	require.NoError(t, c.GetOrSetJSON(ctx, "k", &out, time.Minute, compute))
	require.NoError(t, c.GetOrSetJSON(ctx, "k", &out, time.Minute, compute))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "b", out["a"])
}

func TestDeletePrefix(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "spec:one", "1", time.Minute))
	require.NoError(t, c.Set(ctx, "spec:two", "2", time.Minute))
	require.NoError(t, c.Set(ctx, "projects:list", "x", time.Minute))

	require.NoError(t, c.DeletePrefix(ctx, "spec:"))
	_, err := c.Get(ctx, "spec:one")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "projects:list")
	assert.NoError(t, err)
}

func TestStatsCounting(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	c.Get(ctx, "nope")
	c.Set(ctx, "k", "v", time.Minute)
	c.Get(ctx, "k")

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Sets)
}

func TestSpecKeyStable(t *testing.T) {
	a := SpecKey("a todo app", "llama3.1:8b")
	b := SpecKey("a todo app", "llama3.1:8b")
	other := SpecKey("a todo app", "qwen2.5-coder:14b")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
}
