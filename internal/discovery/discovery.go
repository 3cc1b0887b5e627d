// Package discovery produces the initial set of device ids to subscribe to.
//
// The event source has no authoritative device-listing API, so discovery
// runs a priority-ordered chain of strategies and degrades explicitly: the
// final fallback is a configured last-known-good id, never an empty set.
package discovery

import (
	"context"
	"log"
	"sort"

	"github.com/avelio/fleetwatch/internal/stream"
)

// Config carries the operator-maintained fallbacks. Baking these into code
// would turn operational data into logic; they come from configuration.
type Config struct {
	// SeedDeviceIDs is the operator allow-list probed when the source
	// yields nothing.
	SeedDeviceIDs []string

	// FallbackDeviceID is the last-known-good id returned when every
	// strategy fails.
	FallbackDeviceID string
}

type Discoverer struct {
	source stream.Source
	config Config
}

func New(source stream.Source, config Config) *Discoverer {
	return &Discoverer{source: source, config: config}
}

// Discover returns a deduplicated, sorted list of device ids. It is
// read-only, never fails, and never returns an empty list: total failure
// yields the configured fallback id.
func (d *Discoverer) Discover(ctx context.Context) []string {
	if ids := d.fromContainers(ctx); len(ids) > 0 {
		log.Printf("discovery: %d device(s) from container enumeration", len(ids))
		return dedupe(ids)
	}

	if ids := d.fromCrossContainerQuery(ctx); len(ids) > 0 {
		log.Printf("discovery: %d device(s) from cross-container query", len(ids))
		return dedupe(ids)
	}

	if ids := d.fromSeedList(ctx); len(ids) > 0 {
		log.Printf("discovery: %d device(s) from configured seed list", len(ids))
		return dedupe(ids)
	}

	log.Printf("discovery: all strategies empty, degraded mode with fallback device %q", d.config.FallbackDeviceID)
	return []string{d.config.FallbackDeviceID}
}

// fromContainers enumerates device containers and keeps those with at least
// one exception record. Containers without history are parked devices or
// leftovers and are not worth a subscription.
func (d *Discoverer) fromContainers(ctx context.Context) []string {
	containers, err := d.source.ListDeviceContainers(ctx)
	if err != nil {
		log.Printf("discovery: container enumeration failed: %v", err)
		return nil
	}

	var ids []string
	for _, id := range containers {
		ok, err := d.source.HasExceptionHistory(ctx, id)
		if err != nil {
			log.Printf("discovery: history probe for %s failed: %v", id, err)
			continue
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (d *Discoverer) fromCrossContainerQuery(ctx context.Context) []string {
	ids, err := d.source.QueryExceptionDeviceIDs(ctx)
	if err != nil {
		log.Printf("discovery: cross-container query failed: %v", err)
		return nil
	}
	return ids
}

func (d *Discoverer) fromSeedList(ctx context.Context) []string {
	var ids []string
	for _, id := range d.config.SeedDeviceIDs {
		ok, err := d.source.HasExceptionHistory(ctx, id)
		if err != nil {
			log.Printf("discovery: seed probe for %s failed: %v", id, err)
			continue
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
