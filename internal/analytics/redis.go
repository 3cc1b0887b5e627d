// Package analytics records correlation outcome counters in Redis. The
// counters feed usage dashboards; they are advisory and fire-and-forget —
// a Redis outage never affects correlation.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avelio/fleetwatch/internal/domain"
)

// DefaultRetention is how long outcome buckets are kept.
const DefaultRetention = 7 * 24 * time.Hour

// bucketWindow is the counter bucket granularity.
const bucketWindow = time.Hour

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	clock     func() time.Time
}

func NewRedisSink(client *redis.Client, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{client: client, retention: retention, clock: time.Now}
}

// Record increments the hourly counter for the entry's device and result.
// Errors are logged, never returned: the correlation has already been
// persisted and must not fail on a metrics write.
func (s *RedisSink) Record(ctx context.Context, entry domain.CorrelationLogEntry) {
	key := buildKey(entry.DeviceID, string(entry.Result), string(entry.APIStatus), s.clock())

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: record %s: %v", key, err)
	}
}

func buildKey(deviceID, result, apiStatus string, t time.Time) string {
	bucket := t.UTC().Truncate(bucketWindow).Format("2006010215")
	return fmt.Sprintf("fw:d:%s:r:%s:s:%s:%s", deviceID, result, apiStatus, bucket)
}
