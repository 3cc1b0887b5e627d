// Package health computes the 0-100 device health score.
//
// Both scoring variants are pure functions: identical inputs always yield
// identical scores. The caller picks the variant matching the signal set it
// has available (stream-side exception counts vs API-side activity).
package health

const (
	maxScore = 100
	minScore = 0

	criticalPenalty = 20
	warningPenalty  = 5
	recentPenalty   = 10
	ignitionBonus   = 5

	inactivePenalty     = 50
	noLocationsPenalty  = 30
	fewLocationsPenalty = 15

	// fewLocationsThreshold: below this many samples the device is still
	// penalized, just less than for zero.
	fewLocationsThreshold = 3
)

// StreamScore scores a device from stream-side exception signals.
//
// Recency is penalized independently of severity: an exception inside the
// rolling hour counts against both its severity bucket and recentCount.
func StreamScore(criticalCount, warningCount, recentCount int, recentIgnition bool) int {
	score := maxScore
	score -= criticalPenalty * criticalCount
	score -= warningPenalty * warningCount
	score -= recentPenalty * recentCount
	if recentIgnition {
		score += ignitionBonus
	}
	return clamp(score)
}

// APIScore scores a device from registry-observed activity alone, used when
// no stream signals are available (full sync, first discovery via API).
func APIScore(hasRecentActivity bool, locationSamples int) int {
	score := maxScore
	if !hasRecentActivity {
		score -= inactivePenalty
	}
	switch {
	case locationSamples == 0:
		score -= noLocationsPenalty
	case locationSamples < fewLocationsThreshold:
		score -= fewLocationsPenalty
	}
	return clamp(score)
}

func clamp(score int) int {
	if score > maxScore {
		return maxScore
	}
	if score < minScore {
		return minScore
	}
	return score
}
