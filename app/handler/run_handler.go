package handler

import (
	"net/http"
	"strconv"

	"wingman/internal/model"
	"wingman/internal/service"
	"wingman/pkg/constants"
	"wingman/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RunHandler read-only queries over runs and tasks
type RunHandler struct {
	ledger *service.LedgerService
}

// NewRunHandler creates run handler
func NewRunHandler(ledger *service.LedgerService) *RunHandler {
	return &RunHandler{ledger: ledger}
}

func parseRunID(c *gin.Context) (int64, bool) {
	runID, err := strconv.ParseInt(c.Param("run_id"), 10, 64)
	if err != nil || runID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run_id"})
		return 0, false
	}
	return runID, true
}

// ListRuns lists the most recent runs
// @Summary List runs
// @Tags runs
// @Produce json
// @Param limit query int false "Maximum number of runs" default(50)
// @Success 200 {array} model.Run
// @Router /api/v1/runs [get]
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	runs, err := h.ledger.ListRuns(c.Request.Context(), limit)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to list runs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, runs)
}

// GetRun returns one run
// @Summary Get run
// @Tags runs
// @Produce json
// @Param run_id path int true "Run ID"
// @Success 200 {object} model.Run
// @Router /api/v1/runs/{run_id} [get]
func (h *RunHandler) GetRun(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}

	run, err := h.ledger.GetRun(c.Request.Context(), runID)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get run, run_id: %d, error: %v", runID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get run"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRunTasks lists the tasks of a run
// @Summary List run tasks
// @Tags runs
// @Produce json
// @Param run_id path int true "Run ID"
// @Success 200 {array} model.Task
// @Router /api/v1/runs/{run_id}/tasks [get]
func (h *RunHandler) ListRunTasks(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}

	tasks, err := h.ledger.ListRunTasks(c.Request.Context(), runID)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to list tasks, run_id: %d, error: %v", runID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// GetTask returns one task by its directory
// @Summary Get task
// @Tags tasks
// @Produce json
// @Param task_dir query string true "Task directory"
// @Success 200 {object} model.Task
// @Router /api/v1/tasks [get]
func (h *RunHandler) GetTask(c *gin.Context) {
	taskDir := c.Query("task_dir")
	if taskDir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_dir required"})
		return
	}

	task, err := h.ledger.GetTask(c.Request.Context(), taskDir)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get task, task_dir: %s, error: %v", taskDir, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get task"})
		return
	}
	if task == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// StatusCounts returns the number of tasks per status
// @Summary Task counts by status
// @Tags tasks
// @Produce json
// @Success 200 {object} model.StatusCounts
// @Router /api/v1/tasks/status-counts [get]
func (h *RunHandler) StatusCounts(c *gin.Context) {
	counts, err := h.ledger.StatusCounts(c.Request.Context())
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to count tasks: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count tasks"})
		return
	}
	c.JSON(http.StatusOK, toStatusCounts(counts))
}

func toStatusCounts(counts map[constants.TaskStatus]int64) model.StatusCounts {
	out := make(model.StatusCounts, len(counts))
	for status, n := range counts {
		out[status.String()] = n
	}
	return out
}
