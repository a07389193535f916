package handler

import (
	"context"
	"net/http"

	"wingman/internal/model"
	"wingman/internal/service"
	"wingman/pkg/logger"
	"wingman/pkg/metrics"
	redisstore "wingman/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// LedgerHandler serves the ledger RPC methods under /rpc/<method>. Every method answers
// {"success": bool}; storage failures are success=false and logged, malformed params are 400.
type LedgerHandler struct {
	ledger  *service.LedgerService
	nodes   *redisstore.NodeRepository
	metrics *metrics.Metrics
}

// NewLedgerHandler creates ledger handler. nodes may be nil when node liveness is not tracked.
func NewLedgerHandler(ledger *service.LedgerService, nodes *redisstore.NodeRepository, m *metrics.Metrics) *LedgerHandler {
	return &LedgerHandler{
		ledger:  ledger,
		nodes:   nodes,
		metrics: m,
	}
}

// bind decodes the params of method, answering 400 when they are malformed
func (h *LedgerHandler) bind(c *gin.Context, method string, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		logger.WarnCtx(c.Request.Context(), "%s: invalid params: %v", method, err)
		h.metrics.RPCHandled(method, false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params: " + err.Error()})
		return false
	}
	return true
}

// respond converts the outcome of method into the RPC response
func (h *LedgerHandler) respond(c *gin.Context, method string, err error) {
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "%s failed: %v", method, err)
	}
	h.metrics.RPCHandled(method, err == nil)
	c.JSON(http.StatusOK, model.RPCResponse{Success: err == nil})
}

// GetVersion returns the protocol version
// @Summary Protocol version
// @Tags rpc
// @Produce json
// @Success 200 {object} model.VersionResponse
// @Router /rpc/get_version [get]
func (h *LedgerHandler) GetVersion(c *gin.Context) {
	h.metrics.RPCHandled("get_version", true)
	c.JSON(http.StatusOK, model.VersionResponse{Version: h.ledger.GetVersion()})
}

// RunCreated registers a run
// @Summary Register a run
// @Tags rpc
// @Accept json
// @Produce json
// @Param request body model.RunCreatedRequest true "Run"
// @Success 200 {object} model.RPCResponse
// @Router /rpc/run_created [post]
func (h *LedgerHandler) RunCreated(c *gin.Context) {
	const method = "run_created"
	var req model.RunCreatedRequest
	if !h.bind(c, method, &req) {
		return
	}
	_, err := h.ledger.RunCreated(c.Request.Context(), req.RunID, req.Name, req.ConfigPath, req.Parameters)
	h.respond(c, method, err)
}

// TasksetCreated registers the tasks listed in a definition file
// @Summary Register a taskset
// @Tags rpc
// @Accept json
// @Produce json
// @Param request body model.TasksetCreatedRequest true "Taskset"
// @Success 200 {object} model.RPCResponse
// @Router /rpc/taskset_created [post]
func (h *LedgerHandler) TasksetCreated(c *gin.Context) {
	const method = "taskset_created"
	var req model.TasksetCreatedRequest
	if !h.bind(c, method, &req) {
		return
	}
	_, err := h.ledger.TasksetCreated(c.Request.Context(), req.RunDir, req.TaskDefinitionPath)
	h.respond(c, method, err)
}

// TaskSubmitted records the backend job id of a task
func (h *LedgerHandler) TaskSubmitted(c *gin.Context) {
	const method = "task_submitted"
	var req model.TaskSubmittedRequest
	if !h.bind(c, method, &req) {
		return
	}
	h.respond(c, method, h.ledger.TaskSubmitted(c.Request.Context(), req.TaskDir, req.ExternalID))
}

// TaskStarted records that a task began running on a node
func (h *LedgerHandler) TaskStarted(c *gin.Context) {
	const method = "task_started"
	var req model.TaskStartedRequest
	if !h.bind(c, method, &req) {
		return
	}
	h.respond(c, method, h.ledger.TaskStarted(c.Request.Context(), req.TaskDir, req.NodeName))
}

// TaskFailed marks a task FAILED
func (h *LedgerHandler) TaskFailed(c *gin.Context) {
	const method = "task_failed"
	var req model.TaskDirRequest
	if !h.bind(c, method, &req) {
		return
	}
	h.respond(c, method, h.ledger.TaskFailed(c.Request.Context(), req.TaskDir))
}

// TaskCompleted marks a task SUCCESS
func (h *LedgerHandler) TaskCompleted(c *gin.Context) {
	const method = "task_completed"
	var req model.TaskDirRequest
	if !h.bind(c, method, &req) {
		return
	}
	h.respond(c, method, h.ledger.TaskCompleted(c.Request.Context(), req.TaskDir))
}

// NodeDisappeared returns the STARTED tasks of a lost node to READY
func (h *LedgerHandler) NodeDisappeared(c *gin.Context) {
	const method = "node_disappeared"
	var req model.NodeDisappearedRequest
	if !h.bind(c, method, &req) {
		return
	}
	_, err := h.ledger.NodeDisappeared(c.Request.Context(), req.NodeName)
	if err == nil {
		h.forgetNode(c.Request.Context(), req.NodeName)
	}
	h.respond(c, method, err)
}

// NodeHeartbeat refreshes the liveness record of a worker node
func (h *LedgerHandler) NodeHeartbeat(c *gin.Context) {
	const method = "node_heartbeat"
	var req model.NodeHeartbeatRequest
	if !h.bind(c, method, &req) {
		return
	}
	if h.nodes == nil {
		logger.DebugCtx(c.Request.Context(), "node liveness disabled, ignoring heartbeat from %s", req.NodeName)
		h.respond(c, method, nil)
		return
	}
	h.respond(c, method, h.nodes.Heartbeat(c.Request.Context(), req.NodeName, req.Tasks))
}

func (h *LedgerHandler) forgetNode(ctx context.Context, nodeName string) {
	if h.nodes == nil {
		return
	}
	if err := h.nodes.Forget(ctx, nodeName); err != nil {
		logger.WarnCtx(ctx, "failed to forget node %s: %v", nodeName, err)
	}
}
