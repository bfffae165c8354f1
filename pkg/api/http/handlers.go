package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/expgrid/dispatchd/pkg/domain"
	"github.com/expgrid/dispatchd/pkg/ports"
)

// TaskSpec is one task in a producer insert request
type TaskSpec struct {
	ID            string       `json:"id"`
	ContextID     string       `json:"context_id"`
	Params        []byte       `json:"params"`
	ParamsVersion int          `json:"params_version"`
	Signed        bool         `json:"signed"`
	Outputs       []OutputSpec `json:"outputs"`
	TimeoutSec    int          `json:"timeout_seconds"`
}

// OutputSpec declares one task output
type OutputSpec struct {
	ID      string `json:"id" binding:"required"`
	Managed bool   `json:"managed"`
}

// InsertTasksRequest represents a producer insert request
type InsertTasksRequest struct {
	ExecutionContextID string     `json:"execution_context_id" binding:"required"`
	ParentTaskIDs      []string   `json:"parent_task_ids"`
	Tasks              []TaskSpec `json:"tasks" binding:"required"`
}

// PollRequest is the worker capability descriptor for a poll
type PollRequest struct {
	WorkerID          string `json:"worker_id" binding:"required"`
	AcceptsOnlySigned bool   `json:"accepts_only_signed"`
	MaxParamsVersion  int    `json:"max_params_version"`
}

// ReportRequest is a worker result report
type ReportRequest struct {
	WorkerID    string `json:"worker_id"`
	Success     bool   `json:"success"`
	Diagnostics string `json:"diagnostics"`
	ExitCode    int    `json:"exit_code"`
}

// ResetRequest is an operator reset request
type ResetRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCreateContext creates a new execution context in PRODUCING state
func (s *Server) handleCreateContext(c *gin.Context) {
	ec, err := s.controller.CreateContext(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to create execution context", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "CREATE_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusCreated, ec)
}

// handleMarkProduced moves a context from PRODUCING to PRODUCED
func (s *Server) handleMarkProduced(c *gin.Context) {
	id := c.Param("id")

	if err := s.controller.MarkProduced(c.Request.Context(), id); err != nil {
		s.respondError(c, id, "PRODUCE_FAILED", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_context_id": id,
		"lifecycle_state":      domain.LifecycleStateProduced,
	})
}

// handleStartContext moves a PRODUCED context to STARTED
func (s *Server) handleStartContext(c *gin.Context) {
	id := c.Param("id")

	if err := s.controller.StartContext(c.Request.Context(), id); err != nil {
		s.respondError(c, id, "START_FAILED", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_context_id": id,
		"lifecycle_state":      domain.LifecycleStateStarted,
	})
}

// handleContextStatus returns lifecycle state, unfinished count and
// broken tasks
func (s *Server) handleContextStatus(c *gin.Context) {
	id := c.Param("id")

	status, err := s.controller.ContextStatus(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, id, "STATUS_FAILED", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// handleCancelContext abandons all still-unassigned work of a context
func (s *Server) handleCancelContext(c *gin.Context) {
	id := c.Param("id")

	if err := s.controller.CancelContext(c.Request.Context(), id); err != nil {
		s.respondError(c, id, "CANCELLATION_FAILED", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"execution_context_id": id,
		"cancelled_at":         time.Now().UTC().Format(time.RFC3339),
	})
}

// handleDeleteContext removes a terminal context and cascades
func (s *Server) handleDeleteContext(c *gin.Context) {
	id := c.Param("id")

	if err := s.controller.DeleteContext(c.Request.Context(), id); err != nil {
		s.respondError(c, id, "DELETE_FAILED", err)
		return
	}

	c.Status(http.StatusNoContent)
}

// handleInsertTasks handles producer task insertion
func (s *Server) handleInsertTasks(c *gin.Context) {
	var req InsertTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	tasks := make([]*domain.Task, 0, len(req.Tasks))
	for _, spec := range req.Tasks {
		t := &domain.Task{
			ID:                spec.ID,
			ContextID:         spec.ContextID,
			Params:            spec.Params,
			ParamsVersion:     spec.ParamsVersion,
			Signed:            spec.Signed,
			TimeoutBeforeTerm: time.Duration(spec.TimeoutSec) * time.Second,
		}
		for _, o := range spec.Outputs {
			t.Outputs = append(t.Outputs, domain.Output{ID: o.ID, Managed: o.Managed})
		}
		tasks = append(tasks, t)
	}

	inserted, err := s.controller.InsertTasks(c.Request.Context(), req.ExecutionContextID, req.ParentTaskIDs, tasks)
	if err != nil {
		s.respondError(c, req.ExecutionContextID, "INSERT_FAILED", err)
		return
	}

	ids := make([]string, 0, len(inserted))
	for _, t := range inserted {
		ids = append(ids, t.ID)
	}
	c.JSON(http.StatusCreated, gin.H{
		"execution_context_id": req.ExecutionContextID,
		"task_ids":             ids,
	})
}

// handlePollTask hands at most one assignable task to the polling worker
func (s *Server) handlePollTask(c *gin.Context) {
	var req PollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	assignment, err := s.controller.PollTask(c.Request.Context(), domain.WorkerDescriptor{
		WorkerID:          req.WorkerID,
		AcceptsOnlySigned: req.AcceptsOnlySigned,
		MaxParamsVersion:  req.MaxParamsVersion,
	})
	if err != nil {
		s.logger.Error("poll failed",
			zap.String("worker_id", req.WorkerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "POLL_FAILED",
				Message: err.Error(),
			},
		})
		return
	}
	if assignment == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, assignment)
}

// handleReportResult accepts a worker's result for a task
func (s *Server) handleReportResult(c *gin.Context) {
	taskID := c.Param("id")

	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	err := s.controller.ReportResult(c.Request.Context(), domain.WorkerReport{
		TaskID:      taskID,
		WorkerID:    req.WorkerID,
		Success:     req.Success,
		Diagnostics: req.Diagnostics,
		ExitCode:    req.ExitCode,
	})
	if err != nil {
		s.respondError(c, taskID, "REPORT_FAILED", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID})
}

// handleConfirmUpload records an output upload confirmation
func (s *Server) handleConfirmUpload(c *gin.Context) {
	taskID := c.Param("id")
	outputID := c.Param("outputId")

	err := s.controller.ConfirmUpload(c.Request.Context(), domain.UploadConfirmation{
		TaskID:   taskID,
		OutputID: outputID,
		Uploaded: true,
	})
	if err != nil {
		s.respondError(c, taskID, "CONFIRM_FAILED", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id":   taskID,
		"output_id": outputID,
	})
}

// handleResetTask returns a task to its initial unassigned state
func (s *Server) handleResetTask(c *gin.Context) {
	taskID := c.Param("id")

	// Body is optional.
	var req ResetRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator"
	}

	if err := s.controller.ResetTask(c.Request.Context(), taskID, req.Reason); err != nil {
		s.respondError(c, taskID, "RESET_FAILED", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": taskID})
}

// respondError maps storage sentinels to HTTP statuses
func (s *Server) respondError(c *gin.Context, id, code string, err error) {
	status := http.StatusConflict
	switch {
	case errors.Is(err, ports.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, ports.ErrVersionConflict):
		status = http.StatusConflict
	}

	s.logger.Warn("request failed",
		zap.String("id", id),
		zap.String("code", code),
		zap.Error(err))
	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}
