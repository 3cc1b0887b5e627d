package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// DefaultTTL bounds how long a cached registry response is considered fresh.
const DefaultTTL = 5 * time.Minute

// Cache lookup outcomes for metrics.
const (
	LookupHit   = "hit"
	LookupMiss  = "miss"
	LookupStale = "stale"
	LookupError = "error"
)

// Fetcher is the live registry behind the cache. Implemented by *Client.
type Fetcher interface {
	ListDevices(ctx context.Context) ([]DeviceSummary, error)
	GetDevice(ctx context.Context, deviceID string) (DeviceDetail, error)
	GetLocations(ctx context.Context, deviceID string, limit int) ([]LocationSample, error)
}

// CacheMetrics records cache lookup outcomes. Fire-and-forget.
type CacheMetrics interface {
	RegistryCacheLookup(outcome string)
}

type cacheEntry struct {
	value     any
	fetchedAt time.Time
}

// Cache is a TTL-bounded, stale-read-fallback cache over the registry API.
// Keys are per-operation (full list, per-device detail, per-device
// locations by limit).
//
// Freshness contract: a fresh entry is served without a fetch; an expired
// entry triggers a live fetch; if the fetch fails the expired entry is
// served anyway. A caller only sees an error when the fetch fails and no
// value was ever cached for the key.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	clock   func() time.Time
	metrics CacheMetrics // optional, nil = disabled

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// WithMetrics attaches a metrics sink to the cache.
func (c *Cache) WithMetrics(sink CacheMetrics) *Cache {
	c.metrics = sink
	return c
}

// WithClock overrides the time source; used by tests.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

// Devices returns the cached device list, fetching on expiry.
func (c *Cache) Devices(ctx context.Context) ([]DeviceSummary, error) {
	v, err := c.lookup(ctx, "devices", func(ctx context.Context) (any, error) {
		return c.fetcher.ListDevices(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]DeviceSummary), nil
}

// Device returns the cached detail for one device, fetching on expiry.
func (c *Cache) Device(ctx context.Context, deviceID string) (DeviceDetail, error) {
	v, err := c.lookup(ctx, "device:"+deviceID, func(ctx context.Context) (any, error) {
		return c.fetcher.GetDevice(ctx, deviceID)
	})
	if err != nil {
		return DeviceDetail{}, err
	}
	return v.(DeviceDetail), nil
}

// Locations returns cached recent locations for one device, keyed by limit.
func (c *Cache) Locations(ctx context.Context, deviceID string, limit int) ([]LocationSample, error) {
	key := "locations:" + deviceID + ":" + strconv.Itoa(limit)
	v, err := c.lookup(ctx, key, func(ctx context.Context) (any, error) {
		return c.fetcher.GetLocations(ctx, deviceID, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]LocationSample), nil
}

// InvalidateAll clears every entry. Administrative/manual-sync paths only;
// the correlator must never call this.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *Cache) lookup(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	now := c.clock()

	c.mu.Lock()
	entry, cached := c.entries[key]
	c.mu.Unlock()

	if cached && now.Sub(entry.fetchedAt) < c.ttl {
		c.record(LookupHit)
		return entry.value, nil
	}

	// Fetch outside the lock; per-device callers are already serialized
	// upstream, so duplicate concurrent fetches of one key do not occur in
	// practice.
	value, err := fetch(ctx)
	if err != nil {
		if cached {
			c.record(LookupStale)
			return entry.value, nil
		}
		c.record(LookupError)
		return nil, fmt.Errorf("registry cache %s: %w", key, err)
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, fetchedAt: now}
	c.mu.Unlock()

	c.record(LookupMiss)
	return value, nil
}

func (c *Cache) record(outcome string) {
	if c.metrics != nil {
		c.metrics.RegistryCacheLookup(outcome)
	}
}
