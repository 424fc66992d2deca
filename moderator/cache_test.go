package moderator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/reddit-modbot/api"
	"github.com/brettboylen/reddit-modbot/models"
)

func TestAuthorCacheGet(t *testing.T) {
	var calls atomic.Int32
	fetch := func(_ context.Context, name string) (models.AuthorStats, error) {
		calls.Add(1)
		switch name {
		case "alice", "Alice":
			return models.AuthorStats{Name: "alice", AccountAgeDays: 400}, nil
		case "ghost":
			return models.AuthorStats{}, api.ErrUserNotFound
		default:
			return models.AuthorStats{}, errors.New("boom")
		}
	}
	c := newAuthorCache(fetch, 10, time.Hour)
	ctx := context.Background()

	stats, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 400, stats.AccountAgeDays)

	// names are case-insensitive
	_, err = c.Get(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	stats, err = c.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.AuthorStats{Name: "ghost"}, stats)
	_, err = c.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	// other failures are not cached
	_, err = c.Get(ctx, "flaky")
	assert.Error(t, err)
	_, err = c.Get(ctx, "flaky")
	assert.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 2, c.Len())
}

func TestAuthorCacheExpires(t *testing.T) {
	var calls atomic.Int32
	fetch := func(_ context.Context, name string) (models.AuthorStats, error) {
		calls.Add(1)
		return models.AuthorStats{Name: name}, nil
	}
	c := newAuthorCache(fetch, 10, 50*time.Millisecond)
	ctx := context.Background()

	_, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAuthorCacheCoalescesConcurrentLookups(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(_ context.Context, name string) (models.AuthorStats, error) {
		calls.Add(1)
		<-release
		return models.AuthorStats{Name: name, LinkKarma: 7}, nil
	}
	c := newAuthorCache(fetch, 10, time.Hour)

	var wg sync.WaitGroup
	results := make([]models.AuthorStats, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := c.Get(context.Background(), "bob")
			assert.NoError(t, err)
			results[i] = stats
		}(i)
	}

	// let every goroutine reach the in-flight call before it finishes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, stats := range results {
		assert.Equal(t, 7, stats.LinkKarma)
	}
	// late goroutines may miss the shared call and hit the cache instead
	assert.Equal(t, int32(1), calls.Load())
}
