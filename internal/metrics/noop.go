package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) RegistryCallCompleted(endpoint, statusClass string, d time.Duration)        {}
func (n *NoopSink) RegistryCacheLookup(outcome string)                                         {}
func (n *NoopSink) CorrelationCompleted(apiStatus, result string)                              {}
func (n *NoopSink) RegistryCallSkipped(reason string)                                          {}
func (n *NoopSink) DuplicateEventDropped()                                                     {}
func (n *NoopSink) EventsInFlightIncr()                                                        {}
func (n *NoopSink) EventsInFlightDecr()                                                        {}
func (n *NoopSink) WorkerEventDropped()                                                        {}
func (n *NoopSink) KnownSetSize(size int)                                                      {}
func (n *NoopSink) SyncCycleCompleted(trigger string, devices int, d time.Duration, err error) {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                          {}
func (n *NoopSink) LeaderAcquired()                                                            {}
func (n *NoopSink) LeaderLost(reason string)                                                   {}
