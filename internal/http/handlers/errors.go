package handlers

import (
	"net/http"

	"github.com/yungbote/neurobridge-risk/internal/platform/apierr"
	"github.com/yungbote/neurobridge-risk/internal/risk/pipeline"
)

// apiError maps pipeline failures onto HTTP statuses.
func apiError(err error) *apierr.Error {
	code := pipeline.ErrorCode(err)
	switch code {
	case "malformed_request":
		return apierr.New(http.StatusBadRequest, code, err)
	case "missing_cohort_stats":
		return apierr.New(http.StatusUnprocessableEntity, code, err)
	case "snapshot_unavailable":
		return apierr.New(http.StatusServiceUnavailable, code, err)
	default:
		return apierr.New(http.StatusInternalServerError, code, err)
	}
}
