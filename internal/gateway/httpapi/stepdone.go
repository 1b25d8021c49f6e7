// Package httpapi holds the plain HTTP surface of the gateway: today only
// the completion-hook callback endpoint.
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/pipeline"
	"github.com/camdev/cam/internal/pipeline/hook"
)

// StepNotifier is the slice of the engine the callback needs.
type StepNotifier interface {
	NotifyStepCompleted(ctx context.Context, token, pipelineID, taskID string) error
}

// StepDoneHandler accepts the injected hook's POST.
type StepDoneHandler struct {
	engine StepNotifier
	logger *logger.Logger
}

// NewStepDoneHandler creates the callback handler.
func NewStepDoneHandler(engine StepNotifier, log *logger.Logger) *StepDoneHandler {
	return &StepDoneHandler{
		engine: engine,
		logger: log.WithFields(zap.String("component", "step_done")),
	}
}

// stepDoneRequest is the JSON body the injected hook sends.
type stepDoneRequest struct {
	Token      string `json:"token" binding:"required"`
	PipelineID string `json:"pipelineId" binding:"required"`
	TaskID     string `json:"taskId" binding:"required"`
}

// Register mounts the endpoint on the router.
func (h *StepDoneHandler) Register(r gin.IRouter) {
	r.POST(hook.StepDonePath, h.handle)
}

// handle consumes the one-time token. 204 on success, 4xx on invalid input
// or an unusable token; the agent is assumed to call once per step.
func (h *StepDoneHandler) handle(c *gin.Context) {
	var req stepDoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.engine.NotifyStepCompleted(c.Request.Context(), req.Token, req.PipelineID, req.TaskID)
	if err != nil {
		h.logger.Debug("step-done callback rejected",
			zap.String("pipeline_id", req.PipelineID),
			zap.String("task_id", req.TaskID),
			zap.Error(err))
		status := http.StatusConflict
		if errors.Is(err, pipeline.ErrInvalidToken) || errors.Is(err, pipeline.ErrPipelineNotFound) {
			status = http.StatusUnauthorized
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("step completion accepted",
		zap.String("pipeline_id", req.PipelineID),
		zap.String("task_id", req.TaskID))
	c.Status(http.StatusNoContent)
}
