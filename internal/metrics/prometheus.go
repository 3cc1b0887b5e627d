package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Registry client / cache
	registryCallsTotal   *prometheus.CounterVec
	registryCallDuration prometheus.Histogram
	cacheLookupsTotal    *prometheus.CounterVec

	// Correlator
	correlationsTotal    *prometheus.CounterVec
	callsSkippedTotal    *prometheus.CounterVec
	duplicateEventsTotal prometheus.Counter
	eventsInFlight       prometheus.Gauge
	workerDropsTotal     prometheus.Counter
	knownSetSize         prometheus.Gauge

	// Sync
	syncCyclesTotal   *prometheus.CounterVec
	syncCycleDuration prometheus.Histogram
	syncDevicesTotal  prometheus.Counter

	// Leader election
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initRegistryMetrics(reg)
	s.initCorrelatorMetrics(reg)
	s.initSyncMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initRegistryMetrics(reg prometheus.Registerer) {
	s.registryCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_registry_calls_total",
		Help: "Total number of live registry API calls by endpoint and status class.",
	}, []string{"endpoint", "status_class"})

	s.registryCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetwatch_registry_call_duration_seconds",
		Help:    "Registry API call latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.cacheLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_registry_cache_lookups_total",
		Help: "Total number of registry cache lookups by outcome (hit, miss, stale, error).",
	}, []string{"outcome"})

	s.register(reg, s.registryCallsTotal, "fleetwatch_registry_calls_total")
	s.register(reg, s.registryCallDuration, "fleetwatch_registry_call_duration_seconds")
	s.register(reg, s.cacheLookupsTotal, "fleetwatch_registry_cache_lookups_total")
}

func (s *PrometheusSink) initCorrelatorMetrics(reg prometheus.Registerer) {
	s.correlationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_correlations_total",
		Help: "Total number of completed correlations by api status and result.",
	}, []string{"api_status", "result"})

	s.callsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_registry_calls_skipped_total",
		Help: "Total number of registry calls avoided, by reason. The cost-control signal.",
	}, []string{"reason"})

	s.duplicateEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_duplicate_events_total",
		Help: "Total number of re-delivered events dropped by id dedupe.",
	})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_registry_lookups_in_flight",
		Help: "Number of correlations currently waiting on the registry.",
	})

	s.workerDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_worker_events_dropped_total",
		Help: "Total number of events dropped due to a full device buffer.",
	})

	s.knownSetSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_known_devices",
		Help: "Current size of the known-device set.",
	})

	s.register(reg, s.correlationsTotal, "fleetwatch_correlations_total")
	s.register(reg, s.callsSkippedTotal, "fleetwatch_registry_calls_skipped_total")
	s.register(reg, s.duplicateEventsTotal, "fleetwatch_duplicate_events_total")
	s.register(reg, s.eventsInFlight, "fleetwatch_registry_lookups_in_flight")
	s.register(reg, s.workerDropsTotal, "fleetwatch_worker_events_dropped_total")
	s.register(reg, s.knownSetSize, "fleetwatch_known_devices")
}

func (s *PrometheusSink) initSyncMetrics(reg prometheus.Registerer) {
	s.syncCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_sync_cycles_total",
		Help: "Total number of full-sync cycles by trigger and outcome.",
	}, []string{"trigger", "outcome"})

	s.syncCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetwatch_sync_cycle_duration_seconds",
		Help:    "Full-sync cycle duration in seconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	s.syncDevicesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_sync_devices_total",
		Help: "Total number of devices processed by full-sync cycles.",
	})

	s.register(reg, s.syncCyclesTotal, "fleetwatch_sync_cycles_total")
	s.register(reg, s.syncCycleDuration, "fleetwatch_sync_cycle_duration_seconds")
	s.register(reg, s.syncDevicesTotal, "fleetwatch_sync_devices_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetwatch_leader_status",
		Help: "1 when this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleetwatch_leader_acquired_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetwatch_leader_lost_total",
		Help: "Total number of times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "fleetwatch_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "fleetwatch_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "fleetwatch_leader_lost_total")
}

// register attempts to register a collector, logging any errors without
// propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Registry metrics implementation

func (s *PrometheusSink) RegistryCallCompleted(endpoint, statusClass string, duration time.Duration) {
	s.registryCallsTotal.WithLabelValues(endpoint, statusClass).Inc()
	s.registryCallDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RegistryCacheLookup(outcome string) {
	s.cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// Correlator metrics implementation

func (s *PrometheusSink) CorrelationCompleted(apiStatus, result string) {
	s.correlationsTotal.WithLabelValues(apiStatus, result).Inc()
}

func (s *PrometheusSink) RegistryCallSkipped(reason string) {
	s.callsSkippedTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) DuplicateEventDropped() {
	s.duplicateEventsTotal.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) WorkerEventDropped() {
	s.workerDropsTotal.Inc()
}

func (s *PrometheusSink) KnownSetSize(size int) {
	s.knownSetSize.Set(float64(size))
}

// Sync metrics implementation

func (s *PrometheusSink) SyncCycleCompleted(trigger string, devices int, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	s.syncCyclesTotal.WithLabelValues(trigger, outcome).Inc()
	s.syncCycleDuration.Observe(duration.Seconds())
	s.syncDevicesTotal.Add(float64(devices))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
