package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// DefaultCacheTTL stays below the kernel's usual neighbour reachable time.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	mac     net.HardwareAddr
	expires time.Time
}

// Cache remembers successful resolutions for a bounded time. Expired entries
// are never served; failures are never stored.
type Cache struct {
	next   Resolver
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	entries map[netip.Addr]cacheEntry

	scheduler gocron.Scheduler
}

// NewCache wraps next with a TTL cache. Call Start to enable the background
// sweep and Close to stop it.
func NewCache(next Resolver, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		entries: make(map[netip.Addr]cacheEntry),
	}
}

// Start schedules a sweep of expired entries once per TTL.
func (c *Cache) Start() error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(c.ttl),
		gocron.NewTask(func() {
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired neighbour entries", zap.Int("count", n))
			}
		}),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to create sweep job: %w", err)
	}
	s.Start()
	c.scheduler = s
	return nil
}

// Resolve returns a cached address while fresh and otherwise asks the
// wrapped resolver.
func (c *Cache) Resolve(ctx context.Context, ip netip.Addr) (net.HardwareAddr, error) {
	c.mu.Lock()
	e, ok := c.entries[ip]
	if ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.mac, nil
	}
	if ok {
		delete(c.entries, ip)
	}
	c.mu.Unlock()

	mac, err := c.next.Resolve(ctx, ip)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[ip] = cacheEntry{mac: mac, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return mac, nil
}

// Sweep drops expired entries and reports how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for ip, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, ip)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweep job.
func (c *Cache) Close() error {
	if c.scheduler == nil {
		return nil
	}
	if err := c.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	c.scheduler = nil
	return nil
}
