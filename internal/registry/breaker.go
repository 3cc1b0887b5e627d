package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when an endpoint's breaker refuses a call.
var ErrBreakerOpen = errors.New("registry endpoint breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type endpointState struct {
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
}

// Breaker is a per-endpoint circuit breaker for the registry API. The
// registry is metered; hammering an endpoint that is timing out burns the
// call budget for nothing, so after threshold consecutive failures the
// endpoint is refused until the cooldown elapses.
//
// A threshold of 0 disables the breaker.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointState
	threshold int
	cooldown  time.Duration
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		endpoints: make(map[string]*endpointState),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call to the endpoint may proceed. A half-open
// endpoint admits exactly one probe call per cooldown.
func (b *Breaker) Allow(endpoint string) error {
	if b.threshold <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.endpoints[endpoint]
	if !ok {
		return nil
	}

	switch s.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(s.openedAt) >= b.cooldown {
			s.state = breakerHalfOpen
			return nil
		}
		return ErrBreakerOpen
	case breakerHalfOpen:
		return ErrBreakerOpen
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess(endpoint string) {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.endpoints[endpoint]
	if !ok {
		return
	}
	s.state = breakerClosed
	s.consecutiveFailures = 0
}

func (b *Breaker) RecordFailure(endpoint string) {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.endpoints[endpoint]
	if !ok {
		s = &endpointState{}
		b.endpoints[endpoint] = s
	}

	s.consecutiveFailures++
	if s.consecutiveFailures >= b.threshold {
		s.state = breakerOpen
		s.openedAt = time.Now()
	}
}
