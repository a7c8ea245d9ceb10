package dispatch

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/bissquit/async-dispatch/internal/domain"
)

// ChannelLoader loads channel configuration from the durable store.
type ChannelLoader interface {
	GetChannel(ctx context.Context, tenantID, channelID string) (*domain.Channel, error)
}

type channelKey struct {
	tenantID  string
	channelID string
}

// ChannelCache keeps channel configuration for a bounded time so that hand-off
// and delivery do not hit the database for every message. Concurrent misses
// of one key share a single load.
type ChannelCache struct {
	loader ChannelLoader
	cache  *ttlcache.Cache[channelKey, domain.Channel]
	group  singleflight.Group
}

// NewChannelCache creates a cache. A non-positive ttl disables caching.
func NewChannelCache(loader ChannelLoader, ttl time.Duration) *ChannelCache {
	c := &ChannelCache{loader: loader}
	if ttl > 0 {
		c.cache = ttlcache.New(
			ttlcache.WithTTL[channelKey, domain.Channel](ttl),
			ttlcache.WithDisableTouchOnHit[channelKey, domain.Channel](),
		)
	}
	return c
}

// Get returns the channel, loading it if missing or expired. Load errors are
// returned to the caller and never cached.
func (c *ChannelCache) Get(ctx context.Context, tenantID, channelID string) (domain.Channel, error) {
	if c.cache == nil {
		return c.load(ctx, tenantID, channelID)
	}

	var loadErr error
	loader := ttlcache.NewSuppressedLoader[channelKey, domain.Channel](
		ttlcache.LoaderFunc[channelKey, domain.Channel](
			func(cache *ttlcache.Cache[channelKey, domain.Channel], key channelKey) *ttlcache.Item[channelKey, domain.Channel] {
				ch, err := c.load(ctx, key.tenantID, key.channelID)
				if err != nil {
					loadErr = err
					return nil
				}
				return cache.Set(key, ch, ttlcache.DefaultTTL)
			}),
		&c.group,
	)

	item := c.cache.Get(channelKey{tenantID: tenantID, channelID: channelID},
		ttlcache.WithLoader[channelKey, domain.Channel](loader))
	if item != nil {
		return item.Value(), nil
	}
	if loadErr != nil {
		return domain.Channel{}, loadErr
	}
	// A concurrent load of the same key failed; its error belongs to that caller.
	return c.load(ctx, tenantID, channelID)
}

func (c *ChannelCache) load(ctx context.Context, tenantID, channelID string) (domain.Channel, error) {
	ch, err := c.loader.GetChannel(ctx, tenantID, channelID)
	if err != nil {
		return domain.Channel{}, err
	}
	return *ch, nil
}

// Invalidate drops every cached entry.
func (c *ChannelCache) Invalidate() {
	if c.cache != nil {
		c.cache.DeleteAll()
	}
}
