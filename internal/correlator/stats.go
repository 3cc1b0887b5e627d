package correlator

import (
	"sync"
	"time"

	"github.com/avelio/fleetwatch/internal/domain"
)

const (
	// statsWindow is how far back exception severities count toward the
	// stream score.
	statsWindow = 24 * time.Hour

	// recentWindow is the rolling window for the independent recency
	// penalty.
	recentWindow = time.Hour

	// ignitionWindow is how long an ignition event counts as recent
	// activity.
	ignitionWindow = 24 * time.Hour

	// seenCap bounds the per-device dedupe memory. The upstream source
	// re-delivers whole snapshots, so recent ids matter most; once the cap
	// is hit the oldest half is forgotten.
	seenCap = 4096
)

type exceptionSample struct {
	at       time.Time
	severity domain.Severity
}

// deviceStats is the rolling per-device stream signal used as scorer input.
type deviceStats struct {
	exceptions     []exceptionSample
	lastIgnitionAt time.Time

	seen      map[string]struct{}
	seenOrder []string
}

// streamSignals is the input set for the stream-variant score at one
// instant.
type streamSignals struct {
	criticalCount  int
	warningCount   int
	recentCount    int
	recentIgnition bool
}

// statsTracker owns all per-device rolling state. Per-device callers are
// serialized by the worker model; the mutex protects cross-device map
// access.
type statsTracker struct {
	mu      sync.Mutex
	devices map[string]*deviceStats
}

func newStatsTracker() *statsTracker {
	return &statsTracker{devices: make(map[string]*deviceStats)}
}

func (t *statsTracker) get(deviceID string) *deviceStats {
	s, ok := t.devices[deviceID]
	if !ok {
		s = &deviceStats{seen: make(map[string]struct{})}
		t.devices[deviceID] = s
	}
	return s
}

// markSeen records an event id and reports whether it was new. Duplicate
// ids mean snapshot re-delivery and must not re-trigger correlation.
func (t *statsTracker) markSeen(deviceID, eventID string) bool {
	if eventID == "" {
		// No id to dedupe on; process rather than silently drop.
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(deviceID)
	if _, dup := s.seen[eventID]; dup {
		return false
	}

	if len(s.seenOrder) >= seenCap {
		drop := s.seenOrder[:seenCap/2]
		for _, id := range drop {
			delete(s.seen, id)
		}
		s.seenOrder = append([]string(nil), s.seenOrder[seenCap/2:]...)
	}

	s.seen[eventID] = struct{}{}
	s.seenOrder = append(s.seenOrder, eventID)
	return true
}

func (t *statsTracker) recordException(deviceID string, at time.Time, severity domain.Severity, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(deviceID)
	s.exceptions = append(s.exceptions, exceptionSample{at: at, severity: severity})
	s.pruneLocked(now)
}

func (t *statsTracker) recordIgnition(deviceID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(deviceID)
	if at.After(s.lastIgnitionAt) {
		s.lastIgnitionAt = at
	}
}

// signals snapshots the scorer inputs for a device at now.
func (t *statsTracker) signals(deviceID string, now time.Time) streamSignals {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(deviceID)
	s.pruneLocked(now)

	var sig streamSignals
	for _, e := range s.exceptions {
		switch e.severity {
		case domain.SeverityCritical:
			sig.criticalCount++
		case domain.SeverityWarning:
			sig.warningCount++
		}
		if now.Sub(e.at) <= recentWindow {
			sig.recentCount++
		}
	}
	sig.recentIgnition = !s.lastIgnitionAt.IsZero() && now.Sub(s.lastIgnitionAt) <= ignitionWindow
	return sig
}

func (s *deviceStats) pruneLocked(now time.Time) {
	cutoff := now.Add(-statsWindow)
	kept := s.exceptions[:0]
	for _, e := range s.exceptions {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.exceptions = kept
}
