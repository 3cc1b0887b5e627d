package correlator

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultKnownSetTTL bounds how often the known-device set is refreshed
// from the inventory store.
const DefaultKnownSetTTL = time.Hour

// KnownSet is the in-memory mirror of inventoried device ids. It refreshes
// from the store at most once per TTL interval regardless of event volume;
// lastRefreshedAt is the guard. New devices are added directly after their
// first successful correlation, so the set never waits a full interval to
// learn a device this process discovered itself.
type KnownSet struct {
	lister func(ctx context.Context) ([]string, error)
	ttl    time.Duration
	clock  func() time.Time

	mu              sync.Mutex
	ids             map[string]struct{}
	lastRefreshedAt time.Time
}

func NewKnownSet(lister func(ctx context.Context) ([]string, error), ttl time.Duration) *KnownSet {
	if ttl <= 0 {
		ttl = DefaultKnownSetTTL
	}
	return &KnownSet{
		lister: lister,
		ttl:    ttl,
		clock:  time.Now,
		ids:    make(map[string]struct{}),
	}
}

// WithClock overrides the time source; used by tests.
func (k *KnownSet) WithClock(clock func() time.Time) *KnownSet {
	k.clock = clock
	return k
}

// Contains reports whether the device is already inventoried, refreshing
// from the store first if the TTL has elapsed. A failed refresh keeps the
// previous set; membership may then be stale but never empty-by-accident.
func (k *KnownSet) Contains(ctx context.Context, deviceID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.refreshLocked(ctx)
	_, ok := k.ids[deviceID]
	return ok
}

// Add marks a device as known without waiting for the next refresh.
func (k *KnownSet) Add(deviceID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ids[deviceID] = struct{}{}
}

// Size returns the current membership count.
func (k *KnownSet) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.ids)
}

func (k *KnownSet) refreshLocked(ctx context.Context) {
	now := k.clock()
	if !k.lastRefreshedAt.IsZero() && now.Sub(k.lastRefreshedAt) < k.ttl {
		return
	}
	// Stamp before the call: a failing store must not turn every event
	// into a refresh attempt.
	k.lastRefreshedAt = now

	ids, err := k.lister(ctx)
	if err != nil {
		log.Printf("correlator: known-set refresh failed, keeping %d cached id(s): %v", len(k.ids), err)
		return
	}

	fresh := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		fresh[id] = struct{}{}
	}
	// Devices added locally since the snapshot are kept; the store read
	// may predate their upsert.
	for id := range k.ids {
		fresh[id] = struct{}{}
	}
	k.ids = fresh
}
