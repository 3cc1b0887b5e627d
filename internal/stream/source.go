// Package stream defines the telemetry event source contract and its NATS
// JetStream implementation.
//
// The upstream source re-delivers full ordered snapshots rather than
// deltas, so delivery is at-least-once; handlers are expected to dedupe by
// event id before acting.
package stream

import (
	"context"

	"github.com/avelio/fleetwatch/internal/domain"
)

// Collection names within a device container.
const (
	CollectionExceptions = "exceptions"
	CollectionIgnitions  = "ignitions"
)

type ExceptionHandler func(domain.ExceptionEvent)

type IgnitionHandler func(domain.IgnitionEvent)

// Subscription is a handle on one device/collection subscription.
// Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

// Source is the telemetry event source. Subscriptions deliver records in
// stream order for a single device; no cross-device ordering is implied.
//
// The three query methods back device discovery: the source has no
// authoritative device-listing API, so discovery enumerates containers,
// falls back to a cross-container record query, and probes candidate ids
// for history.
type Source interface {
	SubscribeExceptions(ctx context.Context, deviceID string, h ExceptionHandler) (Subscription, error)
	SubscribeIgnitions(ctx context.Context, deviceID string, h IgnitionHandler) (Subscription, error)

	ListDeviceContainers(ctx context.Context) ([]string, error)
	QueryExceptionDeviceIDs(ctx context.Context) ([]string, error)
	HasExceptionHistory(ctx context.Context, deviceID string) (bool, error)
}
