package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(s string) string { return s }

func TestLoaderCache_MissThenHit(t *testing.T) {
	var loads atomic.Int32

	c, err := NewLoaderCache[string, string](10, 0, identity)
	require.NoError(t, err)

	ctx := context.Background()
	load := func(_ context.Context, key string) (string, error) {
		loads.Add(1)

		return "v-" + key, nil
	}

	v, hit, err := c.Get(ctx, "a", load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "v-a", v)

	v, hit, err = c.Get(ctx, "a", load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "v-a", v)
	assert.Equal(t, int32(1), loads.Load())
}

func TestLoaderCache_Singleflight(t *testing.T) {
	var loads atomic.Int32

	c, err := NewLoaderCache[int64, string](10, 0, func(k int64) string { return strconv.FormatInt(k, 10) })
	require.NoError(t, err)

	release := make(chan struct{})
	load := func(_ context.Context, _ int64) (string, error) {
		loads.Add(1)
		<-release

		return "user", nil
	}

	const callers = 8

	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
	)

	started.Add(callers)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			started.Done()

			v, _, err := c.Get(context.Background(), 7, load)
			assert.NoError(t, err)
			assert.Equal(t, "user", v)
		}()
	}

	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())
}

func TestLoaderCache_ErrorsAreNotCached(t *testing.T) {
	c, err := NewLoaderCache[string, int](10, 0, identity)
	require.NoError(t, err)

	boom := errors.New("boom")
	calls := 0
	load := func(context.Context, string) (int, error) {
		calls++
		if calls == 1 {
			return 0, boom
		}

		return 42, nil
	}

	_, _, err = c.Get(context.Background(), "k", load)
	require.ErrorIs(t, err, boom)

	v, hit, err := c.Get(context.Background(), "k", load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 42, v)
}

func TestLoaderCache_ExpiryAndInvalidate(t *testing.T) {
	ctx := context.Background()
	load := func(_ context.Context, key string) (string, error) { return key, nil }

	c, err := NewLoaderCache[string, string](10, 30*time.Millisecond, identity)
	require.NoError(t, err)

	_, _, err = c.Get(ctx, "a", load)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	assert.Eventually(t, func() bool {
		_, hit, _ := c.Get(ctx, "a", load)

		return !hit
	}, time.Second, 10*time.Millisecond)

	_, _, err = c.Get(ctx, "b", load)
	require.NoError(t, err)

	c.Invalidate("b")

	_, hit, err := c.Get(ctx, "b", load)
	require.NoError(t, err)
	assert.False(t, hit)

	c.InvalidateAll()
	assert.Zero(t, c.Len())

	_, err = NewLoaderCache[string, string](0, 0, identity)
	require.Error(t, err)
}
