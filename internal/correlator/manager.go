package correlator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avelio/fleetwatch/internal/domain"
	"github.com/avelio/fleetwatch/internal/stream"
)

// DefaultDeviceBuffer is the per-device event channel capacity.
const DefaultDeviceBuffer = 64

// DrainTimeout is the maximum time spent processing buffered events during
// shutdown.
const DrainTimeout = 30 * time.Second

// deviceEvent is one unit of work for a device worker. Exactly one field
// is set.
type deviceEvent struct {
	exception *domain.ExceptionEvent
	ignition  *domain.IgnitionEvent
}

// deviceWorker serializes all processing for one device: a bounded channel
// fed by the subscription callbacks, consumed by a single goroutine. That
// gives the per-device ordering and the one-in-flight-correlation guarantee
// without per-record locks.
type deviceWorker struct {
	deviceID string
	ch       chan deviceEvent
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	drain    atomic.Bool
	subs     []stream.Subscription
}

// Manager owns the per-device workers and their subscriptions.
type Manager struct {
	source       stream.Source
	corr         *Correlator
	buffer       int
	drainTimeout time.Duration
	metrics      MetricsSink // optional, nil = disabled

	mu      sync.Mutex
	workers map[string]*deviceWorker
}

func NewManager(source stream.Source, corr *Correlator, buffer int) *Manager {
	if buffer <= 0 {
		buffer = DefaultDeviceBuffer
	}
	return &Manager{
		source:       source,
		corr:         corr,
		buffer:       buffer,
		drainTimeout: DrainTimeout,
		workers:      make(map[string]*deviceWorker),
	}
}

// WithMetrics attaches a metrics sink to the manager.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// WithDrainTimeout overrides the shutdown drain timeout.
func (m *Manager) WithDrainTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.drainTimeout = d
	}
	return m
}

// Watch subscribes to a device's exception and ignition collections and
// starts its worker. Watching an already-watched device is a no-op.
func (m *Manager) Watch(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workers[deviceID]; ok {
		return nil
	}

	wctx, cancel := context.WithCancel(context.Background())
	w := &deviceWorker{
		deviceID: deviceID,
		ch:       make(chan deviceEvent, m.buffer),
		ctx:      wctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	exSub, err := m.source.SubscribeExceptions(ctx, deviceID, func(ev domain.ExceptionEvent) {
		m.enqueue(w, deviceEvent{exception: &ev})
	})
	if err != nil {
		cancel()
		return fmt.Errorf("watch %s: %w", deviceID, err)
	}
	w.subs = append(w.subs, exSub)

	igSub, err := m.source.SubscribeIgnitions(ctx, deviceID, func(ev domain.IgnitionEvent) {
		m.enqueue(w, deviceEvent{ignition: &ev})
	})
	if err != nil {
		exSub.Unsubscribe()
		cancel()
		return fmt.Errorf("watch %s: %w", deviceID, err)
	}
	w.subs = append(w.subs, igSub)

	m.workers[deviceID] = w
	go m.runWorker(w)

	log.Printf("correlator: watching device %s", deviceID)
	return nil
}

// Unwatch tears down one device's subscriptions and worker. Idempotent;
// buffered and in-flight work is discarded, not completed on behalf of a
// dead subscription.
func (m *Manager) Unwatch(deviceID string) {
	m.mu.Lock()
	w, ok := m.workers[deviceID]
	if ok {
		delete(m.workers, deviceID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.stopWorker(w, false)
	log.Printf("correlator: unwatched device %s", deviceID)
}

// Watched returns the ids currently being watched.
func (m *Manager) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every worker, letting each drain its buffered events
// within the drain timeout.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	workers := make([]*deviceWorker, 0, len(m.workers))
	for id, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	for _, w := range workers {
		m.stopWorker(w, true)
	}
	log.Printf("correlator: manager stopped (%d worker(s))", len(workers))
}

// enqueue pushes work to the worker without ever blocking the subscription
// callback. A full buffer drops the event; the source re-delivers whole
// snapshots, so a dropped record returns on the next delivery.
func (m *Manager) enqueue(w *deviceWorker, e deviceEvent) {
	select {
	case <-w.ctx.Done():
	case w.ch <- e:
	default:
		log.Printf("correlator: device %s: buffer full, dropping event", w.deviceID)
		if m.metrics != nil {
			m.metrics.WorkerEventDropped()
		}
	}
}

func (m *Manager) runWorker(w *deviceWorker) {
	defer close(w.done)

	for {
		select {
		case <-w.ctx.Done():
			if w.drain.Load() {
				m.drainWorker(w, nil)
			}
			return
		case e := <-w.ch:
			// Cancellation can race the pull; an event taken after cancel
			// belongs to the drain, not to the dead subscription.
			if w.ctx.Err() != nil {
				if w.drain.Load() {
					m.drainWorker(w, &e)
				}
				return
			}
			m.handle(w.ctx, e)
		}
	}
}

// drainWorker processes events still buffered at shutdown, starting with
// pending if the select already pulled one. The worker context is already
// cancelled, so a fresh bounded context carries the remaining writes.
func (m *Manager) drainWorker(w *deviceWorker, pending *deviceEvent) {
	drainCtx, cancel := context.WithTimeout(context.Background(), m.drainTimeout)
	defer cancel()

	count := 0
	if pending != nil {
		m.handle(drainCtx, *pending)
		count++
	}
	for {
		select {
		case <-drainCtx.Done():
			log.Printf("correlator: device %s: drain timeout after %d event(s)", w.deviceID, count)
			return
		case e := <-w.ch:
			m.handle(drainCtx, e)
			count++
		default:
			if count > 0 {
				log.Printf("correlator: device %s: drained %d event(s)", w.deviceID, count)
			}
			return
		}
	}
}

func (m *Manager) handle(ctx context.Context, e deviceEvent) {
	switch {
	case e.exception != nil:
		m.corr.HandleException(ctx, *e.exception)
	case e.ignition != nil:
		m.corr.HandleIgnition(ctx, *e.ignition)
	}
}

// stopWorker unsubscribes first so no new callbacks arrive, then stops the
// consumer. Safe to call once per worker; Unwatch/Shutdown ensure that by
// removing the worker from the map before stopping it.
func (m *Manager) stopWorker(w *deviceWorker, drain bool) {
	for _, sub := range w.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("correlator: device %s: unsubscribe: %v", w.deviceID, err)
		}
	}
	w.drain.Store(drain)
	w.cancel()
	<-w.done
}
