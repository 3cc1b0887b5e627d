// Package sync runs the periodic full synchronization against the device
// registry: every registered device is upserted into the inventory with its
// API-side signals and an audit entry. It is a batch job beside the
// event-driven correlator, not part of it.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/avelio/fleetwatch/internal/cron"
	"github.com/avelio/fleetwatch/internal/domain"
	"github.com/avelio/fleetwatch/internal/health"
	"github.com/avelio/fleetwatch/internal/registry"
)

// DefaultActivityWindow is how recent registry activity must be to count
// as "active" for the API-variant score.
const DefaultActivityWindow = 24 * time.Hour

// Store is the persistence surface the sync job writes through.
type Store interface {
	UpsertDevice(ctx context.Context, patch domain.DevicePatch) error
	AppendCorrelation(ctx context.Context, entry domain.CorrelationLogEntry) error
}

// Registry is the cached registry surface.
type Registry interface {
	Devices(ctx context.Context) ([]registry.DeviceSummary, error)
	Device(ctx context.Context, deviceID string) (registry.DeviceDetail, error)
	Locations(ctx context.Context, deviceID string, limit int) ([]registry.LocationSample, error)
}

// CacheInvalidator clears the registry cache; only the manual path uses it.
type CacheInvalidator interface {
	InvalidateAll()
}

// MetricsSink records sync metrics. Fire-and-forget.
type MetricsSink interface {
	SyncCycleCompleted(trigger string, devices int, duration time.Duration, err error)
}

// Config holds sync configuration.
type Config struct {
	// Schedule is when scheduled cycles fire.
	Schedule cron.Schedule

	// LocationSampleLimit is the locations page size per device.
	LocationSampleLimit int

	// ActivityWindow bounds what counts as recent registry activity.
	ActivityWindow time.Duration
}

// Runner executes full-sync cycles, either on schedule or on demand.
type Runner struct {
	config   Config
	store    Store
	registry Registry
	cache    CacheInvalidator // optional, nil = manual sync skips invalidation
	metrics  MetricsSink      // optional, nil = disabled
	clock    func() time.Time
}

func New(config Config, store Store, reg Registry) *Runner {
	if config.ActivityWindow <= 0 {
		config.ActivityWindow = DefaultActivityWindow
	}
	if config.LocationSampleLimit <= 0 {
		config.LocationSampleLimit = 10
	}
	return &Runner{
		config:   config,
		store:    store,
		registry: reg,
		clock:    time.Now,
	}
}

// WithCache attaches the registry cache for manual-sync invalidation.
func (r *Runner) WithCache(cache CacheInvalidator) *Runner {
	r.cache = cache
	return r
}

// WithMetrics attaches a metrics sink.
func (r *Runner) WithMetrics(sink MetricsSink) *Runner {
	r.metrics = sink
	return r
}

// WithClock overrides the time source; used by tests.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// Run fires scheduled cycles until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	log.Printf("sync: scheduler started")
	for {
		now := r.clock()
		next := r.config.Schedule.Next(now)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Printf("sync: scheduler stopped")
			return
		case <-timer.C:
			if _, err := r.RunCycle(ctx, domain.TriggerScheduled); err != nil {
				log.Printf("sync: scheduled cycle failed: %v", err)
			}
		}
	}
}

// ManualSync clears the registry cache and runs one cycle immediately.
// This is the administrative path behind POST /sync.
func (r *Runner) ManualSync(ctx context.Context) (int, error) {
	if r.cache != nil {
		r.cache.InvalidateAll()
	}
	return r.RunCycle(ctx, domain.TriggerManual)
}

// RunCycle synchronizes every registered device once. Per-device failures
// are recorded in the correlation log and do not stop the cycle; the
// returned error covers only a failed device listing.
func (r *Runner) RunCycle(ctx context.Context, trigger domain.Trigger) (int, error) {
	start := r.clock()

	devices, err := r.registry.Devices(ctx)
	if err != nil {
		r.recordCycle(trigger, 0, r.clock().Sub(start), err)
		return 0, fmt.Errorf("sync: list devices: %w", err)
	}

	for _, d := range devices {
		r.syncDevice(ctx, trigger, d)
	}

	duration := r.clock().Sub(start)
	r.recordCycle(trigger, len(devices), duration, nil)
	log.Printf("sync: cycle complete (trigger=%s, devices=%d, took=%s)", trigger, len(devices), duration.Truncate(time.Millisecond))
	return len(devices), nil
}

func (r *Runner) syncDevice(ctx context.Context, trigger domain.Trigger, summary registry.DeviceSummary) {
	now := r.clock().UTC()

	entry := domain.CorrelationLogEntry{
		ID:        uuid.New(),
		DeviceID:  summary.ID,
		Trigger:   trigger,
		CreatedAt: now,
	}

	detail, err := r.registry.Device(ctx, summary.ID)
	if err != nil {
		entry.APIStatus = domain.APIStatusError
		entry.Result = domain.ResultNoData
		entry.APISnapshot = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
		entry.Notes = fmt.Sprintf("full sync: detail lookup failed: %v", err)
		r.persist(ctx, domain.DevicePatch{DeviceID: summary.ID}, entry, false)
		return
	}

	samples, err := r.registry.Locations(ctx, summary.ID, r.config.LocationSampleLimit)
	sampleCount := 0
	if err != nil {
		log.Printf("sync: device %s: location fetch failed, counting none: %v", summary.ID, err)
	} else {
		sampleCount = len(samples)
	}

	hasRecentActivity := detail.LastActivityAt != nil && now.Sub(detail.LastActivityAt.UTC()) <= r.config.ActivityWindow
	score := health.APIScore(hasRecentActivity, sampleCount)

	active := detail.Active
	patch := domain.DevicePatch{
		DeviceID:            summary.ID,
		ActiveViaAPI:        &active,
		LocationSampleCount: &sampleCount,
		HealthScore:         &score,
	}
	if detail.Name != "" {
		patch.DisplayName = &detail.Name
	}
	if detail.LastActivityAt != nil {
		seen := detail.LastActivityAt.UTC()
		patch.LastSeenViaAPI = &seen
	}

	entry.APIStatus = domain.APIStatusSuccess
	entry.Result = domain.ResultConfirmed
	entry.APISnapshot = mustJSON(detail)
	entry.Notes = fmt.Sprintf("full sync: active=%t, %d location sample(s), score=%d", detail.Active, sampleCount, score)

	r.persist(ctx, patch, entry, true)
}

func (r *Runner) persist(ctx context.Context, patch domain.DevicePatch, entry domain.CorrelationLogEntry, upsert bool) {
	if upsert {
		if err := r.store.UpsertDevice(ctx, patch); err != nil {
			log.Printf("sync: device %s: inventory upsert failed: %v", patch.DeviceID, err)
		}
	}
	if err := r.store.AppendCorrelation(ctx, entry); err != nil {
		log.Printf("sync: device %s: correlation log append failed: %v", entry.DeviceID, err)
	}
}

func (r *Runner) recordCycle(trigger domain.Trigger, devices int, d time.Duration, err error) {
	if r.metrics != nil {
		r.metrics.SyncCycleCompleted(string(trigger), devices, d, err)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	return b
}
