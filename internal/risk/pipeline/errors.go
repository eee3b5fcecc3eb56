package pipeline

import (
	"errors"

	"github.com/yungbote/neurobridge-risk/internal/risk/features"
)

var (
	// ErrMalformedRequest marks input that cannot be interpreted.
	ErrMalformedRequest = errors.New("malformed assessment request")
	// ErrSnapshotUnavailable means no model snapshot has been loaded yet.
	ErrSnapshotUnavailable = errors.New("risk snapshot not loaded")
)

// Degradation markers reported on an intervention.
const (
	DegradedGlobalCohort       = "global_cohort_fallback"
	DegradedColdStart          = "cold_start_reroute"
	DegradedInfeasible         = "counterfactual_infeasible"
	DegradedRetrieval          = "retrieval_unavailable"
	DegradedGeneration         = "generation_fallback"
	DegradedRecordsUnavailable = "learner_records_unavailable"
)

// ErrorCode classifies a hard failure for API responses.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case features.IsMissingCohortStats(err):
		return "missing_cohort_stats"
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, features.ErrMalformedVector):
		return "malformed_request"
	case errors.Is(err, ErrSnapshotUnavailable):
		return "snapshot_unavailable"
	default:
		return "internal"
	}
}
