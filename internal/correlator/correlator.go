// Package correlator is the event-driven decision engine: for every new
// exception event it decides whether the external registry is consulted,
// classifies the outcome, updates the device inventory, and appends an
// audit log entry recording why the call was or was not made.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/avelio/fleetwatch/internal/domain"
	"github.com/avelio/fleetwatch/internal/health"
	"github.com/avelio/fleetwatch/internal/registry"
)

// DefaultLocationSampleLimit is how many recent locations are requested
// when a first-sight lookup fetches activity.
const DefaultLocationSampleLimit = 10

// Store is the persistence contract the correlator writes through.
type Store interface {
	// UpsertDevice merges the patch by device id; nil patch fields leave
	// the stored value untouched.
	UpsertDevice(ctx context.Context, patch domain.DevicePatch) error
	// AppendCorrelation is insert-only; entries are never mutated.
	AppendCorrelation(ctx context.Context, entry domain.CorrelationLogEntry) error
	// ListDeviceIDs backs the known-device set refresh.
	ListDeviceIDs(ctx context.Context) ([]string, error)
}

// Registry is the cached external registry surface. Implemented by
// *registry.Cache; the correlator never talks to the live client.
type Registry interface {
	Device(ctx context.Context, deviceID string) (registry.DeviceDetail, error)
	Locations(ctx context.Context, deviceID string, limit int) ([]registry.LocationSample, error)
}

// AnalyticsSink records correlation outcomes out-of-band. Implementations
// must be fire-and-forget.
type AnalyticsSink interface {
	Record(ctx context.Context, entry domain.CorrelationLogEntry)
}

// MetricsSink records correlator metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	CorrelationCompleted(apiStatus, result string)
	RegistryCallSkipped(reason string)
	DuplicateEventDropped()
	EventsInFlightIncr()
	EventsInFlightDecr()
	WorkerEventDropped()
	KnownSetSize(size int)
}

// Skip reasons for RegistryCallSkipped.
const (
	SkipNonCriticalKnown = "non_critical_known"
	SkipDuplicateEvent   = "duplicate_event"
)

// Correlator holds the process-wide correlation state: the known-device
// set, per-device rolling signals, and the dedupe memory. Constructed once
// at startup and shared by every device worker; all per-device mutation is
// serialized by the worker model.
type Correlator struct {
	store     Store
	registry  Registry
	known     *KnownSet
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled

	stats         *statsTracker
	clock         func() time.Time
	locationLimit int

	errs chan error
}

func New(store Store, reg Registry, known *KnownSet) *Correlator {
	return &Correlator{
		store:         store,
		registry:      reg,
		known:         known,
		stats:         newStatsTracker(),
		clock:         time.Now,
		locationLimit: DefaultLocationSampleLimit,
		errs:          make(chan error, 16),
	}
}

// WithAnalytics attaches an analytics sink.
func (c *Correlator) WithAnalytics(sink AnalyticsSink) *Correlator {
	c.analytics = sink
	return c
}

// WithMetrics attaches a metrics sink.
func (c *Correlator) WithMetrics(sink MetricsSink) *Correlator {
	c.metrics = sink
	return c
}

// WithClock overrides the time source; used by tests.
func (c *Correlator) WithClock(clock func() time.Time) *Correlator {
	c.clock = clock
	return c
}

// WithLocationSampleLimit sets the locations page size for first-sight
// lookups.
func (c *Correlator) WithLocationSampleLimit(limit int) *Correlator {
	if limit > 0 {
		c.locationLimit = limit
	}
	return c
}

// Errors exposes store failures that survived the synchronous retry. The
// channel is buffered; the correlator never blocks on it.
func (c *Correlator) Errors() <-chan error {
	return c.errs
}

// HandleException runs one correlation cycle for one exception event. It
// never returns an error and never panics across events: a failure inside
// the registry branch is converted into an apiStatus=error log entry, and
// store failures are retried then reported via Errors. One device's
// failure must not block other devices or later events.
func (c *Correlator) HandleException(ctx context.Context, ev domain.ExceptionEvent) {
	// Empty device id: no side effects at all.
	if ev.DeviceID == "" {
		return
	}

	if !c.stats.markSeen(ev.DeviceID, ev.ID) {
		if c.metrics != nil {
			c.metrics.DuplicateEventDropped()
			c.metrics.RegistryCallSkipped(SkipDuplicateEvent)
		}
		return
	}

	now := c.clock().UTC()
	severity := domain.ClassifySeverity(ev.Category, ev.Detail)
	c.stats.recordException(ev.DeviceID, ev.OccurredAt, severity, now)

	known := c.known.Contains(ctx, ev.DeviceID)

	entry := domain.CorrelationLogEntry{
		ID:            uuid.New(),
		DeviceID:      ev.DeviceID,
		Trigger:       domain.TriggerEvent,
		SourceEventID: ev.ID,
		CreatedAt:     now,
	}

	var apiPatch *domain.DevicePatch

	switch {
	case !known:
		// First sight: the lookup is unconditional regardless of severity,
		// because discovery must populate the inventory.
		outcome := c.consultRegistry(ctx, ev, now, true)
		entry.APIStatus = outcome.status
		entry.APISnapshot = outcome.snapshot
		entry.Result = outcome.result
		entry.Notes = outcome.notes
		apiPatch = outcome.patch
		if outcome.result == domain.ResultConfirmed {
			c.known.Add(ev.DeviceID)
		}

	case severity == domain.SeverityCritical:
		outcome := c.consultRegistry(ctx, ev, now, false)
		entry.APIStatus = outcome.status
		entry.APISnapshot = outcome.snapshot
		entry.Result = outcome.result
		entry.Notes = outcome.notes
		apiPatch = outcome.patch

	default:
		// Known device, non-critical event: the primary cost-control
		// branch. Never call out.
		entry.APIStatus = domain.APIStatusNoCall
		entry.Result = domain.ResultConfirmed
		entry.Notes = fmt.Sprintf("skipped registry call: category %q classified %s on known device", ev.Category, severity)
		if c.metrics != nil {
			c.metrics.RegistryCallSkipped(SkipNonCriticalKnown)
		}
	}

	// Subscription torn down while we were out on the network: discard
	// the results instead of writing on behalf of a dead subscription.
	if ctx.Err() != nil {
		log.Printf("correlator: device %s: discarding correlation result, subscription closed", ev.DeviceID)
		return
	}

	patch := c.streamPatch(ev, now)
	if apiPatch != nil {
		mergeAPIPatch(&patch, apiPatch)
	}
	c.persistPatch(ctx, patch)
	c.persistLog(ctx, entry)

	if c.analytics != nil {
		c.analytics.Record(ctx, entry)
	}
	if c.metrics != nil {
		c.metrics.CorrelationCompleted(string(entry.APIStatus), string(entry.Result))
		c.metrics.KnownSetSize(c.known.Size())
	}
}

// HandleIgnition folds a power-state change into the device's stream-side
// signals and inventory. Ignition events never trigger a registry call and
// never produce a log entry.
func (c *Correlator) HandleIgnition(ctx context.Context, ev domain.IgnitionEvent) {
	if ev.DeviceID == "" {
		return
	}

	now := c.clock().UTC()
	c.stats.recordIgnition(ev.DeviceID, ev.OccurredAt)

	active := ev.State == domain.IgnitionOn
	score := health.StreamScore(c.signalsFor(ev.DeviceID, now))

	occurredAt := ev.OccurredAt
	patch := domain.DevicePatch{
		DeviceID:          ev.DeviceID,
		LastSeenViaStream: &occurredAt,
		ActiveViaStream:   &active,
		HealthScore:       &score,
	}
	if ctx.Err() != nil {
		return
	}
	c.persistPatch(ctx, patch)
}

type registryOutcome struct {
	status   domain.APIStatus
	result   domain.Result
	snapshot []byte
	notes    string
	patch    *domain.DevicePatch
}

// consultRegistry performs the external lookup and classifies the outcome.
// firstSight marks the unknown-device path: it additionally fetches recent
// locations, and any returned record is confirmed as-is — conflict
// detection applies only to devices the engine already knows. Errors never
// escape: they become an apiStatus=error outcome.
func (c *Correlator) consultRegistry(ctx context.Context, ev domain.ExceptionEvent, now time.Time, firstSight bool) registryOutcome {
	if c.metrics != nil {
		c.metrics.EventsInFlightIncr()
		defer c.metrics.EventsInFlightDecr()
	}

	detail, err := c.registry.Device(ctx, ev.DeviceID)
	if err != nil {
		if isNotFound(err) {
			return registryOutcome{
				status:   domain.APIStatusSuccess,
				result:   domain.ResultNoData,
				snapshot: mustJSON(map[string]string{"status": "not_found"}),
				notes:    fmt.Sprintf("category %q: registry has no record for device", ev.Category),
			}
		}
		return registryOutcome{
			status:   domain.APIStatusError,
			result:   domain.ResultNoData,
			snapshot: mustJSON(map[string]string{"error": err.Error()}),
			notes:    fmt.Sprintf("category %q: registry lookup failed: %v", ev.Category, err),
		}
	}

	patch := &domain.DevicePatch{DeviceID: ev.DeviceID}
	if detail.Name != "" {
		patch.DisplayName = &detail.Name
	}
	activeAPI := detail.Active
	patch.ActiveViaAPI = &activeAPI
	if detail.LastActivityAt != nil {
		seen := detail.LastActivityAt.UTC()
		patch.LastSeenViaAPI = &seen
	}

	var sampleNote string
	if firstSight {
		samples, locErr := c.registry.Locations(ctx, ev.DeviceID, c.locationLimit)
		if locErr != nil {
			log.Printf("correlator: device %s: location fetch failed, counting none: %v", ev.DeviceID, locErr)
			sampleNote = ", locations unavailable"
		} else {
			count := len(samples)
			patch.LocationSampleCount = &count
			sampleNote = fmt.Sprintf(", %d location sample(s)", count)
		}
	}

	activityNote := "no recorded activity"
	if detail.LastActivityAt != nil {
		activityNote = fmt.Sprintf("last activity %s ago", now.Sub(detail.LastActivityAt.UTC()).Truncate(time.Second))
	}

	// Conflict rule, symmetric: a category claiming the device is down is
	// contradicted by an active registry record and corroborated by an
	// inactive one. Generic critical categories carry no activity claim to
	// contradict. First sight is exempt: an unknown device with a registry
	// record is confirmed unconditionally so it enters the known set.
	result := domain.ResultConfirmed
	verdict := "confirmed"
	if !firstSight && domain.ClaimsDeviceDown(ev.Category, ev.Detail) {
		if detail.Active {
			result = domain.ResultConflicted
			verdict = "conflicted: category claims device down, registry shows it active"
		} else {
			verdict = "corroborated: registry agrees device inactive"
		}
	}

	return registryOutcome{
		status:   domain.APIStatusSuccess,
		result:   result,
		snapshot: mustJSON(detail),
		notes: fmt.Sprintf("category %q: registry active=%t, %s%s; %s",
			ev.Category, detail.Active, activityNote, sampleNote, verdict),
		patch: patch,
	}
}

// streamPatch is the unconditional stream-side inventory update: an
// exception was observed, so the device was seen and is not healthy-active.
func (c *Correlator) streamPatch(ev domain.ExceptionEvent, now time.Time) domain.DevicePatch {
	seenAt := ev.OccurredAt
	activeStream := false
	category := ev.Category
	score := health.StreamScore(c.signalsFor(ev.DeviceID, now))

	return domain.DevicePatch{
		DeviceID:              ev.DeviceID,
		LastSeenViaStream:     &seenAt,
		ActiveViaStream:       &activeStream,
		LastExceptionCategory: &category,
		HealthScore:           &score,
	}
}

func (c *Correlator) signalsFor(deviceID string, now time.Time) (int, int, int, bool) {
	sig := c.stats.signals(deviceID, now)
	return sig.criticalCount, sig.warningCount, sig.recentCount, sig.recentIgnition
}

func mergeAPIPatch(dst *domain.DevicePatch, api *domain.DevicePatch) {
	dst.DisplayName = api.DisplayName
	dst.LastSeenViaAPI = api.LastSeenViaAPI
	dst.ActiveViaAPI = api.ActiveViaAPI
	if api.LocationSampleCount != nil {
		dst.LocationSampleCount = api.LocationSampleCount
	}
}

// persistPatch upserts with one synchronous retry. A second failure is
// reported on the error channel; it must not crash the subscription.
func (c *Correlator) persistPatch(ctx context.Context, patch domain.DevicePatch) {
	if err := c.store.UpsertDevice(ctx, patch); err != nil {
		log.Printf("correlator: device %s: inventory upsert failed, retrying once: %v", patch.DeviceID, err)
		if err := c.store.UpsertDevice(ctx, patch); err != nil {
			c.reportError(fmt.Errorf("inventory upsert for %s failed after retry: %w", patch.DeviceID, err))
		}
	}
}

// persistLog appends with one synchronous retry, same policy as patches.
func (c *Correlator) persistLog(ctx context.Context, entry domain.CorrelationLogEntry) {
	if err := c.store.AppendCorrelation(ctx, entry); err != nil {
		log.Printf("correlator: device %s: correlation log append failed, retrying once: %v", entry.DeviceID, err)
		if err := c.store.AppendCorrelation(ctx, entry); err != nil {
			c.reportError(fmt.Errorf("correlation log append for %s failed after retry: %w", entry.DeviceID, err))
		}
	}
}

func (c *Correlator) reportError(err error) {
	log.Printf("correlator: %v", err)
	select {
	case c.errs <- err:
	default:
		// Operator channel full; the log line above is the fallback.
	}
}

func isNotFound(err error) bool {
	var statusErr *registry.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == 404
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return b
}
