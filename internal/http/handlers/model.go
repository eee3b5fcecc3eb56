package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-risk/internal/http/response"
	"github.com/yungbote/neurobridge-risk/internal/risk/pipeline"
	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
)

type ModelHandler struct {
	snapshots *snapshot.Holder
}

func NewModelHandler(snapshots *snapshot.Holder) *ModelHandler {
	return &ModelHandler{snapshots: snapshots}
}

// GET /api/model
func (h *ModelHandler) GetModel(c *gin.Context) {
	s := h.snapshots.Load()
	if s == nil {
		response.RespondError(c, http.StatusServiceUnavailable, "snapshot_unavailable", pipeline.ErrSnapshotUnavailable)
		return
	}
	response.RespondOK(c, s.Summary())
}
