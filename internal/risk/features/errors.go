package features

import (
	"errors"
	"fmt"
)

// ErrMalformedVector marks input that cannot be interpreted against the schema.
var ErrMalformedVector = errors.New("malformed feature vector")

// MissingCohortStatsError is returned when normalization has no statistics for
// the requested cohort or for a standardized feature within it.
type MissingCohortStatsError struct {
	CohortKey string
	Feature   string
}

func (e *MissingCohortStatsError) Error() string {
	if e == nil {
		return ""
	}
	if e.Feature != "" {
		return fmt.Sprintf("missing cohort statistics for feature %q in cohort %q", e.Feature, e.CohortKey)
	}
	return fmt.Sprintf("missing cohort statistics for cohort %q", e.CohortKey)
}

func IsMissingCohortStats(err error) bool {
	var target *MissingCohortStatsError
	return errors.As(err, &target)
}
