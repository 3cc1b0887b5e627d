package domain

import "strings"

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

var (
	criticalMarkers = []string{"critical", "server down", "offline"}
	warningMarkers  = []string{"warning", "retry", "degraded"}
)

// ClassifySeverity maps free-text category/detail onto a severity bucket by
// case-insensitive substring match. This is the single classification used
// by the scorer, the correlator's call gate, and every other consumer.
//
// Known limitation: substring matching on free text is fragile ("offline"
// vs "server offline" vs "device connection lost" may classify
// inconsistently). The table is kept as-is for compatibility with the
// upstream category vocabulary.
func ClassifySeverity(category, detail string) Severity {
	text := strings.ToLower(category + " " + detail)

	for _, m := range criticalMarkers {
		if strings.Contains(text, m) {
			return SeverityCritical
		}
	}
	for _, m := range warningMarkers {
		if strings.Contains(text, m) {
			return SeverityWarning
		}
	}
	return SeverityInfo
}

// connectivityMarkers flag categories that assert the device is down or
// unreachable. Used by the conflict rule: such a claim is corroborated by an
// inactive registry record and contradicted by an active one.
var connectivityMarkers = []string{"server down", "offline", "connection"}

// ClaimsDeviceDown reports whether the category/detail text asserts a
// down/unreachable device, as opposed to a generic critical condition.
func ClaimsDeviceDown(category, detail string) bool {
	text := strings.ToLower(category + " " + detail)
	for _, m := range connectivityMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
