package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brojonat/flexrp/service/payment"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache holds the last known quote per pair. Entries are kept past MaxAge so
// the resolver can fall back to them inside the grace window; freshness is the
// resolver's decision, not the cache's.
type Cache interface {
	Get(ctx context.Context, pair payment.Pair) (payment.Quote, bool, error)
	Set(ctx context.Context, quote payment.Quote) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu     sync.RWMutex
	quotes map[payment.Pair]payment.Quote
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{quotes: make(map[payment.Pair]payment.Quote)}
}

func (c *MemoryCache) Get(_ context.Context, pair payment.Pair) (payment.Quote, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[pair]
	return q, ok, nil
}

// Set stores quote unless a newer one for the same pair is already cached.
func (c *MemoryCache) Set(_ context.Context, quote payment.Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.quotes[quote.Pair]; ok && cur.FetchedAt.After(quote.FetchedAt) {
		return nil
	}
	c.quotes[quote.Pair] = quote
	return nil
}

const redisKeyPrefix = "flexrp:rate:"

// RedisCache shares quotes between worker processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps client. ttl should cover the resolver's grace window.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

type cachedQuote struct {
	Base       string          `json:"base"`
	Quote      string          `json:"quote"`
	Price      decimal.Decimal `json:"price"`
	FetchedAt  time.Time       `json:"fetched_at"`
	ProviderID string          `json:"provider_id"`
}

func (c *RedisCache) Get(ctx context.Context, pair payment.Pair) (payment.Quote, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+pair.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return payment.Quote{}, false, nil
	}
	if err != nil {
		return payment.Quote{}, false, fmt.Errorf("redis get %s: %w", pair, err)
	}

	var cq cachedQuote
	if err := json.Unmarshal(raw, &cq); err != nil {
		return payment.Quote{}, false, fmt.Errorf("decode cached quote %s: %w", pair, err)
	}
	return payment.Quote{
		Pair:       payment.NewPair(cq.Base, cq.Quote),
		Price:      cq.Price,
		FetchedAt:  cq.FetchedAt,
		ProviderID: cq.ProviderID,
	}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, quote payment.Quote) error {
	payload, err := json.Marshal(cachedQuote{
		Base:       quote.Pair.Base,
		Quote:      quote.Pair.Quote,
		Price:      quote.Price,
		FetchedAt:  quote.FetchedAt,
		ProviderID: quote.ProviderID,
	})
	if err != nil {
		return fmt.Errorf("encode quote: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+quote.Pair.String(), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", quote.Pair, err)
	}
	return nil
}

// TieredCache reads through its tiers in order and writes to all of them.
// A quote found in a lower tier is copied into the tiers above it.
type TieredCache struct {
	tiers []Cache
}

func NewTieredCache(tiers ...Cache) *TieredCache {
	return &TieredCache{tiers: tiers}
}

// Get returns the freshest quote found. Tier errors are skipped; the first
// error is returned only if no tier had an entry.
func (c *TieredCache) Get(ctx context.Context, pair payment.Pair) (payment.Quote, bool, error) {
	var best payment.Quote
	var found bool
	var firstErr error
	seen := make([]time.Time, len(c.tiers))
	for i, tier := range c.tiers {
		q, ok, err := tier.Get(ctx, pair)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		seen[i] = q.FetchedAt
		if !found || q.FetchedAt.After(best.FetchedAt) {
			best, found = q, true
		}
	}
	if !found {
		return payment.Quote{}, false, firstErr
	}
	for i, tier := range c.tiers {
		if seen[i].Before(best.FetchedAt) {
			_ = tier.Set(ctx, best)
		}
	}
	return best, true, nil
}

func (c *TieredCache) Set(ctx context.Context, quote payment.Quote) error {
	var errs []error
	for _, tier := range c.tiers {
		if err := tier.Set(ctx, quote); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
