package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avelio/fleetwatch/internal/testutil"
)

// mockFetcher counts calls and can be switched into failure mode.
type mockFetcher struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	devices []DeviceSummary
	detail  DeviceDetail
}

func (m *mockFetcher) ListDevices(ctx context.Context) ([]DeviceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return nil, errors.New("fetch failed")
	}
	return m.devices, nil
}

func (m *mockFetcher) GetDevice(ctx context.Context, deviceID string) (DeviceDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return DeviceDetail{}, errors.New("fetch failed")
	}
	return m.detail, nil
}

func (m *mockFetcher) GetLocations(ctx context.Context, deviceID string, limit int) ([]LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return nil, errors.New("fetch failed")
	}
	return make([]LocationSample, limit), nil
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockFetcher) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func TestCache_FreshEntryServedWithoutFetch(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	fetcher := &mockFetcher{detail: DeviceDetail{ID: "d1", Name: "Device 1", Active: true}}
	cache := NewCache(fetcher, 5*time.Minute).WithClock(clock.Now)

	if _, err := cache.Device(ctx, "d1"); err != nil {
		t.Fatalf("first Device: %v", err)
	}
	if _, err := cache.Device(ctx, "d1"); err != nil {
		t.Fatalf("second Device: %v", err)
	}

	if got := fetcher.callCount(); got != 1 {
		t.Errorf("fetch count = %d, want 1 (second lookup should hit the cache)", got)
	}
}

func TestCache_ExpiredEntryRefetched(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	fetcher := &mockFetcher{detail: DeviceDetail{ID: "d1"}}
	cache := NewCache(fetcher, 5*time.Minute).WithClock(clock.Now)

	if _, err := cache.Device(ctx, "d1"); err != nil {
		t.Fatalf("Device: %v", err)
	}

	clock.Advance(6 * time.Minute)

	if _, err := cache.Device(ctx, "d1"); err != nil {
		t.Fatalf("Device after expiry: %v", err)
	}
	if got := fetcher.callCount(); got != 2 {
		t.Errorf("fetch count = %d, want 2 (expired entry must refetch)", got)
	}
}

func TestCache_StaleFallbackOnFetchFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	fetcher := &mockFetcher{detail: DeviceDetail{ID: "d1", Name: "cached name"}}
	cache := NewCache(fetcher, 5*time.Minute).WithClock(clock.Now)

	if _, err := cache.Device(ctx, "d1"); err != nil {
		t.Fatalf("Device: %v", err)
	}

	clock.Advance(10 * time.Minute)
	fetcher.setFail(true)

	got, err := cache.Device(ctx, "d1")
	if err != nil {
		t.Fatalf("Device with stale fallback: %v", err)
	}
	if got.Name != "cached name" {
		t.Errorf("stale value Name = %q, want %q", got.Name, "cached name")
	}
}

func TestCache_ErrorWhenNothingCached(t *testing.T) {
	ctx := testutil.TestContext(t)
	fetcher := &mockFetcher{fail: true}
	cache := NewCache(fetcher, 5*time.Minute)

	if _, err := cache.Device(ctx, "d1"); err == nil {
		t.Error("Device with no cached value should return the fetch error")
	}
}

func TestCache_InvalidateAllForcesRefetch(t *testing.T) {
	ctx := testutil.TestContext(t)
	fetcher := &mockFetcher{devices: []DeviceSummary{{ID: "d1"}}}
	cache := NewCache(fetcher, time.Hour)

	if _, err := cache.Devices(ctx); err != nil {
		t.Fatalf("Devices: %v", err)
	}
	cache.InvalidateAll()
	if _, err := cache.Devices(ctx); err != nil {
		t.Fatalf("Devices after invalidate: %v", err)
	}

	if got := fetcher.callCount(); got != 2 {
		t.Errorf("fetch count = %d, want 2 after InvalidateAll", got)
	}
}

func TestCache_LocationKeysIncludeLimit(t *testing.T) {
	ctx := testutil.TestContext(t)
	fetcher := &mockFetcher{}
	cache := NewCache(fetcher, time.Hour)

	if _, err := cache.Locations(ctx, "d1", 5); err != nil {
		t.Fatalf("Locations limit 5: %v", err)
	}
	if _, err := cache.Locations(ctx, "d1", 10); err != nil {
		t.Fatalf("Locations limit 10: %v", err)
	}

	if got := fetcher.callCount(); got != 2 {
		t.Errorf("fetch count = %d, want 2 (different limits are different keys)", got)
	}
}
