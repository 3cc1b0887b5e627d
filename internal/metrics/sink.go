package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable, implementations
// log warnings and continue.
type Sink interface {
	// Registry client / cache metrics
	RegistryCallCompleted(endpoint, statusClass string, duration time.Duration)
	RegistryCacheLookup(outcome string)

	// Correlator metrics
	CorrelationCompleted(apiStatus, result string)
	RegistryCallSkipped(reason string)
	DuplicateEventDropped()
	EventsInFlightIncr()
	EventsInFlightDecr()
	WorkerEventDropped()
	KnownSetSize(size int)

	// Sync metrics
	SyncCycleCompleted(trigger string, devices int, duration time.Duration, err error)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}
