package discovery

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/avelio/fleetwatch/internal/stream"
	"github.com/avelio/fleetwatch/internal/testutil"
)

// scriptedSource returns fixed results per discovery strategy.
type scriptedSource struct {
	containers    []string
	containersErr error
	queryIDs      []string
	queryErr      error
	history       map[string]bool
	historyErr    error
}

func (s *scriptedSource) SubscribeExceptions(ctx context.Context, deviceID string, h stream.ExceptionHandler) (stream.Subscription, error) {
	return nil, errors.New("not used in discovery")
}

func (s *scriptedSource) SubscribeIgnitions(ctx context.Context, deviceID string, h stream.IgnitionHandler) (stream.Subscription, error) {
	return nil, errors.New("not used in discovery")
}

func (s *scriptedSource) ListDeviceContainers(ctx context.Context) ([]string, error) {
	return s.containers, s.containersErr
}

func (s *scriptedSource) QueryExceptionDeviceIDs(ctx context.Context) ([]string, error) {
	return s.queryIDs, s.queryErr
}

func (s *scriptedSource) HasExceptionHistory(ctx context.Context, deviceID string) (bool, error) {
	if s.historyErr != nil {
		return false, s.historyErr
	}
	return s.history[deviceID], nil
}

func TestDiscover_ContainersWithHistoryWin(t *testing.T) {
	source := &scriptedSource{
		containers: []string{"d2", "d1", "parked"},
		history:    map[string]bool{"d1": true, "d2": true},
		queryIDs:   []string{"should-not-be-used"},
	}
	d := New(source, Config{FallbackDeviceID: "fb"})

	got := d.Discover(testutil.TestContext(t))
	want := []string{"d1", "d2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Discover = %v, want %v (sorted, history-bearing containers only)", got, want)
	}
}

func TestDiscover_FallsBackToCrossContainerQuery(t *testing.T) {
	source := &scriptedSource{
		containersErr: errors.New("enumeration unsupported"),
		queryIDs:      []string{"d3", "d3", "d1"},
	}
	d := New(source, Config{FallbackDeviceID: "fb"})

	got := d.Discover(testutil.TestContext(t))
	want := []string{"d1", "d3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Discover = %v, want %v (deduplicated query results)", got, want)
	}
}

func TestDiscover_SeedListProbed(t *testing.T) {
	source := &scriptedSource{
		history: map[string]bool{"seed2": true},
	}
	d := New(source, Config{
		SeedDeviceIDs:    []string{"seed1", "seed2"},
		FallbackDeviceID: "fb",
	})

	got := d.Discover(testutil.TestContext(t))
	want := []string{"seed2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Discover = %v, want %v (only seeds with history)", got, want)
	}
}

func TestDiscover_DegradedModeReturnsFallback(t *testing.T) {
	source := &scriptedSource{
		containersErr: errors.New("down"),
		queryErr:      errors.New("down"),
		historyErr:    errors.New("down"),
	}
	d := New(source, Config{
		SeedDeviceIDs:    []string{"seed1"},
		FallbackDeviceID: "last-known-good",
	})

	got := d.Discover(testutil.TestContext(t))
	want := []string{"last-known-good"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Discover = %v, want %v (never an empty list)", got, want)
	}
}
