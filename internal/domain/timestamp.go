package domain

import (
	"log"
	"strconv"
	"strings"
	"time"
)

// Source systems deliver timestamps in several shapes: native time values,
// ISO-8601 strings, legacy "DD/MM/YYYY HH:mm:ss.SSS" strings, and epoch
// numbers (seconds or milliseconds).
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05.000",
	"02/01/2006 15:04:05",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// Values above it are interpreted as milliseconds (anything past the year
// 33658 in seconds is not a plausible telemetry timestamp).
const epochMillisThreshold = 1e12

// ParseTimestamp normalizes a raw timestamp value to a UTC instant. It never
// fails: unparseable input falls back to now with a logged warning, so one
// malformed event cannot abort a batch.
func ParseTimestamp(raw any, now func() time.Time) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case *time.Time:
		if v != nil {
			return v.UTC()
		}
	case string:
		if t, ok := parseTimestampString(v); ok {
			return t
		}
	case float64:
		return epochToTime(v)
	case int64:
		return epochToTime(float64(v))
	case int:
		return epochToTime(float64(v))
	}

	log.Printf("domain: unparseable timestamp %v (%T), falling back to now", raw, raw)
	return now().UTC()
}

func parseTimestampString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}

	// Epoch numbers arrive as numeric strings from some producers.
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToTime(n), true
	}

	return time.Time{}, false
}

func epochToTime(n float64) time.Time {
	if n > epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}
