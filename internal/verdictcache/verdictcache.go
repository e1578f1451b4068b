// Package verdictcache remembers combined verdicts for recently analysed
// URLs so a link pasted repeatedly is scored once per TTL.
package verdictcache

import (
	"context"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/go-redis/cache/v9"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/linkguard/guardian/internal/verdict"
)

const keyPrefix = "verdict/"

// Cache stores combined verdicts keyed by URL.
type Cache interface {
	Get(ctx context.Context, rawURL string) (verdict.Combined, bool, error)
	Set(ctx context.Context, rawURL string, c verdict.Combined) error
}

// Key normalises rawURL so cosmetic variants share an entry.
func Key(rawURL string) string {
	clean, err := purell.NormalizeURLString(rawURL,
		purell.FlagsSafe|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes|purell.FlagSortQuery)
	if err != nil {
		return keyPrefix + rawURL
	}
	return keyPrefix + clean
}

// Mem is an in-process cache.
type Mem struct {
	data *expirable.LRU[string, verdict.Combined]
}

var _ Cache = (*Mem)(nil)

func NewMem(capacity int, ttl time.Duration) *Mem {
	return &Mem{data: expirable.NewLRU[string, verdict.Combined](capacity, nil, ttl)}
}

func (m *Mem) Get(_ context.Context, rawURL string) (verdict.Combined, bool, error) {
	c, ok := m.data.Get(Key(rawURL))
	return c, ok, nil
}

func (m *Mem) Set(_ context.Context, rawURL string, c verdict.Combined) error {
	m.data.Add(Key(rawURL), c)
	return nil
}

// Redis shares verdicts between replicas, with a TinyLFU layer in front.
type Redis struct {
	data *cache.Cache
	ttl  time.Duration
}

var _ Cache = (*Redis)(nil)

func NewRedis(rdb *redis.Client, size int, ttl time.Duration) *Redis {
	return &Redis{
		data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(size, ttl),
		}),
		ttl: ttl,
	}
}

func (r *Redis) Get(ctx context.Context, rawURL string) (verdict.Combined, bool, error) {
	var c verdict.Combined
	err := r.data.Get(ctx, Key(rawURL), &c)
	if err == cache.ErrCacheMiss {
		return verdict.Combined{}, false, nil
	}
	if err != nil {
		return verdict.Combined{}, false, err
	}
	return c, true, nil
}

func (r *Redis) Set(ctx context.Context, rawURL string, c verdict.Combined) error {
	return r.data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   Key(rawURL),
		Value: c,
		TTL:   r.ttl,
	})
}
