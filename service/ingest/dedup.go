package ingest

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupCapacity is how many recent hashes the cache remembers.
const DefaultDedupCapacity = 10_000

// TransactionCache remembers recently reserved transaction hashes so re-delivered
// transactions are skipped before any rate lookup. It is an optimisation only;
// the store's unique key is what guarantees one record per hash.
type TransactionCache struct {
	entries *lru.Cache[string, time.Time]
	now     func() time.Time
}

// NewTransactionCache creates a cache holding at most capacity hashes. Past
// capacity the oldest reservation is evicted.
func NewTransactionCache(capacity int) (*TransactionCache, error) {
	entries, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction cache: %w", err)
	}
	return &TransactionCache{entries: entries, now: time.Now}, nil
}

// TryReserve atomically records hash and reports whether it was absent.
// A hit does not refresh the entry's position.
func (c *TransactionCache) TryReserve(hash string) bool {
	found, _ := c.entries.ContainsOrAdd(hash, c.now())
	return !found
}

// Release forgets hash so a later cycle can process it again.
func (c *TransactionCache) Release(hash string) {
	c.entries.Remove(hash)
}

// Len returns the number of reserved hashes.
func (c *TransactionCache) Len() int {
	return c.entries.Len()
}
