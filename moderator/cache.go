package moderator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/brettboylen/reddit-modbot/api"
	"github.com/brettboylen/reddit-modbot/models"
)

type authorFetcher func(ctx context.Context, name string) (models.AuthorStats, error)

// authorCache memoizes author stats for a while; karma and age drift slowly
// enough that a stale value only shifts a gate by minutes
type authorCache struct {
	entries *expirable.LRU[string, models.AuthorStats]
	fetch   authorFetcher
	group   singleflight.Group
}

// Capacity of zero means unlimited size, ttl of zero means entries never expire
func newAuthorCache(fetch authorFetcher, capacity int, ttl time.Duration) *authorCache {
	return &authorCache{
		entries: expirable.NewLRU[string, models.AuthorStats](capacity, nil, ttl),
		fetch:   fetch,
	}
}

// Get returns the stats for an author. Accounts Reddit reports as gone are
// returned with zero stats, which fails every positive author gate.
func (c *authorCache) Get(ctx context.Context, name string) (models.AuthorStats, error) {
	key := strings.ToLower(name)
	if stats, ok := c.entries.Get(key); ok {
		authorCacheHits.Inc()
		return stats, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		authorCacheMisses.Inc()
		stats, err := c.fetch(ctx, name)
		if errors.Is(err, api.ErrUserNotFound) {
			stats, err = models.AuthorStats{Name: name}, nil
		}
		if err != nil {
			return models.AuthorStats{}, err
		}
		c.entries.Add(key, stats)
		return stats, nil
	})
	if shared {
		authorRequestsCoalesced.Inc()
	}
	if err != nil {
		return models.AuthorStats{}, err
	}
	return v.(models.AuthorStats), nil
}

// Len is the number of cached authors
func (c *authorCache) Len() int {
	return c.entries.Len()
}
