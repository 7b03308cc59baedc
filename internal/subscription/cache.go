package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tradewire/tradewire/internal/observability"
)

// CacheConfig wires the cache tiers together.
type CacheConfig struct {
	Fast            FastStore
	Source          Source
	TTL             time.Duration
	RefreshInterval time.Duration
}

func (c CacheConfig) normalize() CacheConfig {
	if c.Fast == nil {
		c.Fast = NewMemoryStore()
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	return c
}

// Cache serves strategy subscription lookups from a fast store with a
// synchronous fallback to the authoritative source on miss. A strategy
// that has never been queried is therefore never reported as empty from
// stale fast-store state alone.
type Cache struct {
	fast   FastStore
	source Source
	ttl    time.Duration
	every  time.Duration

	mu      sync.Mutex
	version atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCache constructs the cache. Call Start to begin background
// reconciliation against the source.
func NewCache(cfg CacheConfig) *Cache {
	cfg = cfg.normalize()
	cache := new(Cache)
	cache.fast = cfg.Fast
	cache.source = cfg.Source
	cache.ttl = cfg.TTL
	cache.every = cfg.RefreshInterval
	cache.done = make(chan struct{})
	return cache
}

// Start launches the periodic refresh task. A failed refresh retries
// with exponential backoff before yielding to the next tick.
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.refreshLoop(ctx)
}

// Close stops the background refresh task if one was started.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		if c.cancel == nil {
			close(c.done)
			return
		}
		c.cancel()
		<-c.done
	})
}

// Subscribers returns the user ids with an enabled entry for the
// strategy.
func (c *Cache) Subscribers(ctx context.Context, strategyID string) ([]string, error) {
	entries, err := c.loadStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Enabled {
			users = append(users, entry.UserID)
		}
	}
	return users, nil
}

// Config returns the user's entry for the strategy, reporting absence
// explicitly.
func (c *Cache) Config(ctx context.Context, userID, strategyID string) (Entry, bool, error) {
	entries, err := c.loadStrategy(ctx, strategyID)
	if err != nil {
		return Entry{}, false, err
	}
	for _, entry := range entries {
		if entry.UserID == userID {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

// Enable activates the pair, writing through to the source before
// invalidating the fast store.
func (c *Cache) Enable(ctx context.Context, entry Entry) error {
	entry = entry.Normalize()
	entry.Enabled = true
	return c.writeThrough(ctx, entry)
}

// Disable deactivates the pair while preserving its parameters.
func (c *Cache) Disable(ctx context.Context, userID, strategyID string) error {
	entry, ok, err := c.Config(ctx, userID, strategyID)
	if err != nil {
		return err
	}
	if !ok {
		entry = Entry{UserID: userID, StrategyID: strategyID}.Normalize()
	}
	entry.Enabled = false
	return c.writeThrough(ctx, entry)
}

// BulkUpdate applies entries one pair at a time. Pairs are atomic
// individually; there is no cross-key atomicity.
func (c *Cache) BulkUpdate(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		if err := c.writeThrough(ctx, entry.Normalize()); err != nil {
			return err
		}
	}
	return nil
}

// RefreshFromSource replaces every cached strategy from the source and
// bumps the cache version.
func (c *Cache) RefreshFromSource(ctx context.Context) error {
	all, err := c.source.LoadAll(ctx)
	if err != nil {
		return err
	}
	for strategyID, entries := range all {
		if err := c.fast.SetStrategy(ctx, strategyID, entries, c.ttl); err != nil {
			return err
		}
	}
	c.version.Add(1)
	return nil
}

// Version reports how many full refreshes have completed.
func (c *Cache) Version() uint64 { return c.version.Load() }

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Version uint64 `json:"version"`
}

// Statistics snapshots hit, miss, and refresh counters.
func (c *Cache) Statistics() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Version: c.version.Load()}
}

func (c *Cache) loadStrategy(ctx context.Context, strategyID string) ([]Entry, error) {
	entries, ok, err := c.fast.GetStrategy(ctx, strategyID)
	if err != nil {
		observability.Log().Warn("subscription: fast store read failed, using source",
			observability.String("strategy_id", strategyID), observability.Err(err))
	} else if ok {
		c.hits.Add(1)
		return entries, nil
	}
	c.misses.Add(1)

	entries, err = c.source.LoadStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	if err := c.fast.SetStrategy(ctx, strategyID, entries, c.ttl); err != nil {
		observability.Log().Warn("subscription: fast store populate failed",
			observability.String("strategy_id", strategyID), observability.Err(err))
	}
	return entries, nil
}

func (c *Cache) writeThrough(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.source.Upsert(ctx, entry); err != nil {
		return err
	}
	if err := c.fast.DeleteStrategy(ctx, entry.StrategyID); err != nil {
		observability.Log().Warn("subscription: fast store invalidate failed",
			observability.String("strategy_id", entry.StrategyID), observability.Err(err))
	}
	return nil
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh := func() (struct{}, error) {
				return struct{}{}, c.RefreshFromSource(ctx)
			}
			if _, err := backoff.Retry(ctx, refresh,
				backoff.WithBackOff(backoff.NewExponentialBackOff()),
				backoff.WithMaxTries(3)); err != nil {
				observability.Log().Warn("subscription: background refresh failed",
					observability.Err(err))
			}
		}
	}
}
