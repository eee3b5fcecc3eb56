package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-risk/internal/risk/snapshot"
)

type HealthHandler struct {
	snapshots *snapshot.Holder
}

func NewHealthHandler(snapshots *snapshot.Holder) *HealthHandler {
	return &HealthHandler{snapshots: snapshots}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// Ready reports whether a snapshot is loaded and assessments can be served.
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.snapshots == nil || h.snapshots.Load() == nil {
		c.String(http.StatusServiceUnavailable, "no snapshot")
		return
	}
	c.String(http.StatusOK, "ready")
}
