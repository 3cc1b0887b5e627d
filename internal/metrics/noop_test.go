package metrics

import (
	"errors"
	"testing"
	"time"
)

// NoopSink backs the metrics-disabled serve path, so every method must be
// safely callable.
func TestNoopSink_AllMethodsAreNoOps(t *testing.T) {
	sink := NewNoopSink()

	sink.RegistryCallCompleted("device_detail", "2xx", time.Second)
	sink.RegistryCacheLookup("hit")
	sink.CorrelationCompleted("success", "confirmed")
	sink.RegistryCallSkipped("known_non_critical")
	sink.DuplicateEventDropped()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()
	sink.WorkerEventDropped()
	sink.KnownSetSize(3)
	sink.SyncCycleCompleted("manual", 5, time.Second, errors.New("ignored"))
	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	sink.LeaderLost("shutdown")
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
