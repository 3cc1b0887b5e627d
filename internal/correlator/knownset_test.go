package correlator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/avelio/fleetwatch/internal/testutil"
)

// countingLister serves a fixed id list and counts invocations.
type countingLister struct {
	mu    sync.Mutex
	ids   []string
	err   error
	calls int
}

func (l *countingLister) list(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.ids, nil
}

func (l *countingLister) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func TestKnownSet_RefreshGuardedByTTL(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(testNow)
	lister := &countingLister{ids: []string{"d1"}}
	known := NewKnownSet(lister.list, time.Hour).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		if !known.Contains(ctx, "d1") {
			t.Fatal("d1 should be known after refresh")
		}
	}
	if got := lister.callCount(); got != 1 {
		t.Errorf("lister calls = %d, want 1 (TTL guards per-event refresh)", got)
	}

	clock.Advance(2 * time.Hour)
	known.Contains(ctx, "d1")
	if got := lister.callCount(); got != 2 {
		t.Errorf("lister calls = %d, want 2 after TTL elapsed", got)
	}
}

func TestKnownSet_FailedRefreshKeepsPreviousSet(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(testNow)
	lister := &countingLister{ids: []string{"d1"}}
	known := NewKnownSet(lister.list, time.Hour).WithClock(clock.Now)

	if !known.Contains(ctx, "d1") {
		t.Fatal("d1 should be known")
	}

	lister.mu.Lock()
	lister.err = errors.New("store unavailable")
	lister.mu.Unlock()
	clock.Advance(2 * time.Hour)

	if !known.Contains(ctx, "d1") {
		t.Error("failed refresh must keep the previous membership")
	}
}

func TestKnownSet_FailedRefreshDoesNotRetryEveryEvent(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(testNow)
	lister := &countingLister{err: errors.New("store unavailable")}
	known := NewKnownSet(lister.list, time.Hour).WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		known.Contains(ctx, "d1")
	}
	if got := lister.callCount(); got != 1 {
		t.Errorf("lister calls = %d, want 1 (failure must not retry until TTL)", got)
	}
}

func TestKnownSet_LocalAddSurvivesRefresh(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(testNow)
	lister := &countingLister{ids: []string{"d1"}}
	known := NewKnownSet(lister.list, time.Hour).WithClock(clock.Now)

	known.Contains(ctx, "d1")
	known.Add("d2")

	// Refresh from a store snapshot that predates d2's upsert.
	clock.Advance(2 * time.Hour)

	if !known.Contains(ctx, "d2") {
		t.Error("locally added device must survive a refresh from an older snapshot")
	}
	if got := known.Size(); got != 2 {
		t.Errorf("Size = %d, want 2", got)
	}
}
