package handlers

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-risk/internal/http/response"
	"github.com/yungbote/neurobridge-risk/internal/risk/pipeline"
)

type AssessmentHandler struct {
	pipe *pipeline.Pipeline
}

func NewAssessmentHandler(pipe *pipeline.Pipeline) *AssessmentHandler {
	return &AssessmentHandler{pipe: pipe}
}

type batchRequest struct {
	Requests []pipeline.Request `json:"requests"`
}

type batchResponse struct {
	Results []pipeline.BatchItem `json:"results"`
}

// POST /api/assessments
func (h *AssessmentHandler) Assess(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apiError(fmt.Errorf("%w: %v", pipeline.ErrMalformedRequest, err)))
		return
	}
	h.run(c, req)
}

// POST /api/chat
func (h *AssessmentHandler) Chat(c *gin.Context) {
	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apiError(fmt.Errorf("%w: %v", pipeline.ErrMalformedRequest, err)))
		return
	}
	if strings.TrimSpace(req.QueryText) == "" {
		response.RespondAPIError(c, apiError(fmt.Errorf("%w: query_text is required", pipeline.ErrMalformedRequest)))
		return
	}
	h.run(c, req)
}

func (h *AssessmentHandler) run(c *gin.Context, req pipeline.Request) {
	c.Set("learner_id", req.LearnerID)
	iv, err := h.pipe.Assess(c.Request.Context(), req)
	if err != nil {
		response.RespondAPIError(c, apiError(err))
		return
	}
	response.RespondOK(c, iv)
}

// POST /api/assessments/batch
func (h *AssessmentHandler) AssessBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondAPIError(c, apiError(fmt.Errorf("%w: %v", pipeline.ErrMalformedRequest, err)))
		return
	}
	items, err := h.pipe.AssessBatch(c.Request.Context(), req.Requests)
	if err != nil {
		response.RespondAPIError(c, apiError(err))
		return
	}
	response.RespondOK(c, batchResponse{Results: items})
}
