package metrics

import (
	"github.com/keywatch/keywatch/internal/core/engine"
	"github.com/keywatch/keywatch/internal/observability"
)

// Profile refresh metric names
const (
	ProfileFetchesTotal         = "profile_fetch_attempts_total"
	ProfileFetchesThrottledName = "profile_fetch_throttled_total"
	ProfileFetchRetriesName     = "profile_fetch_attempts_used"
	IdentityChangesTotal        = "identity_changes_total"
)

// RecordProfileFetch records the final outcome of one profile fetch. It has
// the signature of engine.Coordinator.OnComplete.
func RecordProfileFetch(result engine.Result) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	_ = sys.Counter(
		ProfileFetchesTotal,
		1,
		map[string]string{"outcome": string(result.Outcome)},
	)

	switch result.Outcome {
	case engine.OutcomeThrottled:
		_ = sys.Counter(ProfileFetchesThrottledName, 1, nil)
	case engine.OutcomeChanged:
		_ = sys.Counter(IdentityChangesTotal, 1, nil)
	}

	if result.Attempts > 0 {
		_ = sys.Gauge(
			ProfileFetchRetriesName,
			float64(result.Attempts),
			map[string]string{"outcome": string(result.Outcome)},
		)
	}
}
