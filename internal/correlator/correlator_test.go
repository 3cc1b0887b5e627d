package correlator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avelio/fleetwatch/internal/domain"
	"github.com/avelio/fleetwatch/internal/registry"
	"github.com/avelio/fleetwatch/internal/testutil"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// mockStore records writes and can be forced to fail.
type mockStore struct {
	mu        sync.Mutex
	patches   []domain.DevicePatch
	entries   []domain.CorrelationLogEntry
	ids       []string
	upsertErr error
	appendErr error
	listErr   error
}

func (m *mockStore) UpsertDevice(ctx context.Context, patch domain.DevicePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = append(m.patches, patch)
	return m.upsertErr
}

func (m *mockStore) AppendCorrelation(ctx context.Context, entry domain.CorrelationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.appendErr
}

func (m *mockStore) ListDeviceIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.ids, nil
}

func (m *mockStore) loggedEntries() []domain.CorrelationLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CorrelationLogEntry(nil), m.entries...)
}

func (m *mockStore) upsertedPatches() []domain.DevicePatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DevicePatch(nil), m.patches...)
}

// mockRegistry counts lookups and serves a fixed detail.
type mockRegistry struct {
	mu            sync.Mutex
	detail        registry.DeviceDetail
	detailErr     error
	locations     []registry.LocationSample
	locationsErr  error
	deviceCalls   int
	locationCalls int
}

func (m *mockRegistry) Device(ctx context.Context, deviceID string) (registry.DeviceDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceCalls++
	if m.detailErr != nil {
		return registry.DeviceDetail{}, m.detailErr
	}
	return m.detail, nil
}

func (m *mockRegistry) Locations(ctx context.Context, deviceID string, limit int) ([]registry.LocationSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locationCalls++
	if m.locationsErr != nil {
		return nil, m.locationsErr
	}
	return m.locations, nil
}

func (m *mockRegistry) deviceCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceCalls
}

func newTestCorrelator(store *mockStore, reg *mockRegistry) *Correlator {
	known := NewKnownSet(store.ListDeviceIDs, time.Hour).
		WithClock(func() time.Time { return testNow })
	return New(store, reg, known).
		WithClock(func() time.Time { return testNow })
}

func exceptionEvent(id, deviceID, category string) domain.ExceptionEvent {
	return domain.ExceptionEvent{
		ID:         id,
		DeviceID:   deviceID,
		Category:   category,
		OccurredAt: testNow,
	}
}

func TestHandleException_UnknownDeviceAlwaysCalls(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{}
	reg := &mockRegistry{
		detail:    registry.DeviceDetail{ID: "d1", Name: "Truck 1", Active: true},
		locations: make([]registry.LocationSample, 4),
	}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "d1", "status"))

	if got := reg.deviceCallCount(); got != 1 {
		t.Fatalf("registry device calls = %d, want 1 (first sight always calls)", got)
	}

	entries := store.loggedEntries()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.APIStatus != domain.APIStatusSuccess || e.Result != domain.ResultConfirmed {
		t.Errorf("entry = %s/%s, want success/confirmed", e.APIStatus, e.Result)
	}
	if e.SourceEventID != "e1" || e.Trigger != domain.TriggerEvent {
		t.Errorf("entry audit fields wrong: %+v", e)
	}

	patches := store.upsertedPatches()
	if len(patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(patches))
	}
	p := patches[0]
	if p.DisplayName == nil || *p.DisplayName != "Truck 1" {
		t.Errorf("DisplayName not merged from registry: %+v", p)
	}
	if p.LocationSampleCount == nil || *p.LocationSampleCount != 4 {
		t.Errorf("LocationSampleCount = %v, want 4", p.LocationSampleCount)
	}
	if p.HealthScore == nil || *p.HealthScore != 90 {
		// One info exception inside the recent window: 100 - 10.
		t.Errorf("HealthScore = %v, want 90", p.HealthScore)
	}
}

func TestHandleException_ConfirmedFirstSightBecomesKnown(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{}
	reg := &mockRegistry{detail: registry.DeviceDetail{ID: "d1", Active: true}}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "d1", "status"))
	corr.HandleException(ctx, exceptionEvent("e2", "d1", "routine report"))

	if got := reg.deviceCallCount(); got != 1 {
		t.Errorf("registry device calls = %d, want 1 (second non-critical event on now-known device must skip)", got)
	}

	entries := store.loggedEntries()
	if len(entries) != 2 {
		t.Fatalf("log entries = %d, want 2", len(entries))
	}
	if entries[1].APIStatus != domain.APIStatusNoCall {
		t.Errorf("second entry APIStatus = %s, want no_call", entries[1].APIStatus)
	}
}

func TestHandleException_FirstSightDownClaimStillConfirms(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{}
	reg := &mockRegistry{detail: registry.DeviceDetail{ID: "d1", Active: true}}
	corr := newTestCorrelator(store, reg)

	// Down-claiming category on a device the engine has never seen: the
	// conflict rule does not apply, the record confirms the device and it
	// joins the known set.
	corr.HandleException(ctx, exceptionEvent("e1", "d1", "server down"))

	entries := store.loggedEntries()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Result != domain.ResultConfirmed {
		t.Errorf("Result = %s, want confirmed (conflict detection is a known-device rule)", entries[0].Result)
	}
	if got := corr.known.Size(); got != 1 {
		t.Errorf("known set size = %d, want 1", got)
	}

	// Follow-up non-critical event must now hit the cost-control branch.
	corr.HandleException(ctx, exceptionEvent("e2", "d1", "gps retry"))

	if got := reg.deviceCallCount(); got != 1 {
		t.Errorf("registry device calls = %d, want 1 (known non-critical must skip)", got)
	}
}

func TestHandleException_KnownNonCriticalSkips(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{ids: []string{"d1"}}
	reg := &mockRegistry{}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "d1", "retry"))

	if got := reg.deviceCallCount(); got != 0 {
		t.Fatalf("registry device calls = %d, want 0", got)
	}

	entries := store.loggedEntries()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1 (skips are audited too)", len(entries))
	}
	e := entries[0]
	if e.APIStatus != domain.APIStatusNoCall || e.Result != domain.ResultConfirmed {
		t.Errorf("entry = %s/%s, want no_call/confirmed", e.APIStatus, e.Result)
	}
	if !strings.Contains(e.Notes, "skipped registry call") {
		t.Errorf("Notes = %q, want skip explanation", e.Notes)
	}
}

func TestHandleException_KnownCriticalCalls(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{ids: []string{"d1"}}
	reg := &mockRegistry{detail: registry.DeviceDetail{ID: "d1", Active: false}}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "d1", "critical fault"))

	if got := reg.deviceCallCount(); got != 1 {
		t.Fatalf("registry device calls = %d, want 1", got)
	}
	if reg.locationCalls != 0 {
		t.Errorf("location calls = %d, want 0 (known-device path skips activity fetch)", reg.locationCalls)
	}

	entries := store.loggedEntries()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].Result != domain.ResultConfirmed {
		t.Errorf("Result = %s, want confirmed (generic critical has no down-claim to contradict)", entries[0].Result)
	}
}

func TestHandleException_ConflictWhenDownClaimContradicted(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{ids: []string{"d1"}}
	reg := &mockRegistry{detail: registry.DeviceDetail{ID: "d1", Active: true}}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "d1", "server down"))

	entries := store.loggedEntries()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Result != domain.ResultConflicted {
		t.Errorf("Result = %s, want conflicted: down claim vs active registry record", e.Result)
	}
	if !strings.Contains(e.Notes, "conflicted") {
		t.Errorf("Notes = %q, want conflict explanation", e.Notes)
	}
}

func TestHandleException_DownClaimCorroboratedByInactiveRecord(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{ids: []string{"d1"}}
	reg := &mockRegistry{detail: registry.DeviceDetail{ID: "d1", Active: false}}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "d1", "device offline"))

	entries := store.loggedEntries()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Result != domain.ResultConfirmed {
		t.Errorf("Result = %s, want confirmed", e.Result)
	}
	if !strings.Contains(e.Notes, "corroborated") {
		t.Errorf("Notes = %q, want corroboration note", e.Notes)
	}
}

func TestHandleException_DuplicateEventDropped(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{}
	reg := &mockRegistry{detail: registry.DeviceDetail{ID: "d1", Active: true}}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "d1", "status"))
	corr.HandleException(ctx, exceptionEvent("e1", "d1", "status"))

	if got := reg.deviceCallCount(); got != 1 {
		t.Errorf("registry device calls = %d, want 1", got)
	}
	if got := len(store.loggedEntries()); got != 1 {
		t.Errorf("log entries = %d, want 1 (duplicate id must not correlate again)", got)
	}
}

func TestHandleException_RegistryErrorBecomesErrorEntry(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{}
	reg := &mockRegistry{detailErr: errors.New("registry: /devices/d1: context deadline exceeded")}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "d1", "server down"))

	entries := store.loggedEntries()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1 (failures are audited, not dropped)", len(entries))
	}
	e := entries[0]
	if e.APIStatus != domain.APIStatusError || e.Result != domain.ResultNoData {
		t.Errorf("entry = %s/%s, want error/no_data", e.APIStatus, e.Result)
	}
	if !strings.Contains(string(e.APISnapshot), "deadline exceeded") {
		t.Errorf("APISnapshot = %s, want captured error", e.APISnapshot)
	}

	// The stream-side patch still lands even when the registry is down.
	if got := len(store.upsertedPatches()); got != 1 {
		t.Errorf("patches = %d, want 1", got)
	}
}

func TestHandleException_NotFoundIsSuccessNoData(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{}
	reg := &mockRegistry{detailErr: &registry.StatusError{Path: "/devices/ghost", StatusCode: 404}}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "ghost", "status"))

	entries := store.loggedEntries()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.APIStatus != domain.APIStatusSuccess || e.Result != domain.ResultNoData {
		t.Errorf("entry = %s/%s, want success/no_data (404 is an answer, not a failure)", e.APIStatus, e.Result)
	}
	if corr.known.Size() != 0 {
		t.Error("unregistered device must not enter the known set")
	}
}

func TestHandleException_EmptyDeviceIDIsNoOp(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{}
	reg := &mockRegistry{}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "", "server down"))

	if len(store.loggedEntries()) != 0 || len(store.upsertedPatches()) != 0 || reg.deviceCallCount() != 0 {
		t.Error("empty device id must produce no side effects")
	}
}

func TestHandleException_StoreFailureReportedAfterRetry(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{ids: []string{"d1"}, upsertErr: errors.New("pq: connection refused")}
	reg := &mockRegistry{}
	corr := newTestCorrelator(store, reg)

	corr.HandleException(ctx, exceptionEvent("e1", "d1", "routine"))

	if got := len(store.upsertedPatches()); got != 2 {
		t.Errorf("upsert attempts = %d, want 2 (one retry)", got)
	}

	select {
	case err := <-corr.Errors():
		if !strings.Contains(err.Error(), "after retry") {
			t.Errorf("operator error = %v, want retry failure", err)
		}
	default:
		t.Error("expected an operator error after failed retry")
	}
}

func TestHandleIgnition_UpdatesInventoryOnly(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{}
	reg := &mockRegistry{}
	corr := newTestCorrelator(store, reg)

	corr.HandleIgnition(ctx, domain.IgnitionEvent{
		DeviceID:   "d1",
		State:      domain.IgnitionOn,
		OccurredAt: testNow,
	})

	if reg.deviceCallCount() != 0 {
		t.Error("ignition events must never trigger registry calls")
	}
	if got := len(store.loggedEntries()); got != 0 {
		t.Errorf("log entries = %d, want 0 (ignition is not audited)", got)
	}

	patches := store.upsertedPatches()
	if len(patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(patches))
	}
	p := patches[0]
	if p.ActiveViaStream == nil || !*p.ActiveViaStream {
		t.Error("ignition ON should mark the device stream-active")
	}
	if p.HealthScore == nil || *p.HealthScore != 100 {
		t.Errorf("HealthScore = %v, want 100 (clean device, ignition bonus clamped)", p.HealthScore)
	}
}

func TestHandleIgnition_OffMarksInactive(t *testing.T) {
	ctx := testutil.TestContext(t)
	store := &mockStore{}
	corr := newTestCorrelator(store, &mockRegistry{})

	corr.HandleIgnition(ctx, domain.IgnitionEvent{
		DeviceID:   "d1",
		State:      domain.IgnitionOff,
		OccurredAt: testNow,
	})

	patches := store.upsertedPatches()
	if len(patches) != 1 {
		t.Fatalf("patches = %d, want 1", len(patches))
	}
	if patches[0].ActiveViaStream == nil || *patches[0].ActiveViaStream {
		t.Error("ignition OFF should mark the device stream-inactive")
	}
}
