package handler

import (
	"context"
	"errors"
	"net/http"

	"wingman/internal/cluster"
	"wingman/pkg/logger"
	"wingman/pkg/terminal"

	"github.com/gin-gonic/gin"
)

// ClusterHandler operator control surface of the cluster manager
type ClusterHandler struct {
	manager *cluster.Manager
	hub     *terminal.Hub
	baseCtx context.Context
}

// NewClusterHandler creates cluster handler. baseCtx bounds manager loops restarted from
// the control surface.
func NewClusterHandler(baseCtx context.Context, manager *cluster.Manager, hub *terminal.Hub) *ClusterHandler {
	return &ClusterHandler{
		manager: manager,
		hub:     hub,
		baseCtx: baseCtx,
	}
}

// Status returns the manager status
// @Summary Cluster status
// @Tags cluster
// @Produce json
// @Success 200 {object} cluster.Status
// @Router /api/v1/cluster [get]
func (h *ClusterHandler) Status(c *gin.Context) {
	status := h.manager.Status()
	status.State = h.manager.QueryState(c.Request.Context())
	c.JSON(http.StatusOK, status)
}

// Start requests a cluster start
// @Summary Start cluster
// @Tags cluster
// @Success 202 {object} map[string]string
// @Router /api/v1/cluster/start [post]
func (h *ClusterHandler) Start(c *gin.Context) {
	h.manager.StartCluster()
	logger.InfoCtx(c.Request.Context(), "cluster start requested")
	c.JSON(http.StatusAccepted, gin.H{"message": "start requested"})
}

// Stop requests a cluster stop
// @Summary Stop cluster
// @Tags cluster
// @Success 202 {object} map[string]string
// @Router /api/v1/cluster/stop [post]
func (h *ClusterHandler) Stop(c *gin.Context) {
	h.manager.StopCluster()
	logger.InfoCtx(c.Request.Context(), "cluster stop requested")
	c.JSON(http.StatusAccepted, gin.H{"message": "stop requested"})
}

// RestartManager starts a new manager loop after the previous one stopped
// @Summary Restart cluster manager
// @Tags cluster
// @Success 200 {object} cluster.Status
// @Router /api/v1/cluster/manager [post]
func (h *ClusterHandler) RestartManager(c *gin.Context) {
	if err := h.manager.StartManager(h.baseCtx); err != nil {
		if errors.Is(err, cluster.ErrManagerRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		logger.ErrorCtx(c.Request.Context(), "failed to start cluster manager: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.manager.Status())
}

// GetParameters returns the monitor parameters
// @Summary Get monitor parameters
// @Tags cluster
// @Produce json
// @Success 200 {object} cluster.Parameters
// @Router /api/v1/cluster/parameters [get]
func (h *ClusterHandler) GetParameters(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Parameters())
}

// UpdateParameters replaces the monitor parameters
// @Summary Update monitor parameters
// @Tags cluster
// @Accept json
// @Produce json
// @Param request body cluster.Parameters true "Parameters"
// @Success 200 {object} cluster.Parameters
// @Router /api/v1/cluster/parameters [put]
func (h *ClusterHandler) UpdateParameters(c *gin.Context) {
	params := h.manager.Parameters()
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.manager.SetParameters(params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.manager.Parameters())
}

// InstanceTypes lists the instance types the scale command accepts
// @Summary List instance types
// @Tags cluster
// @Produce json
// @Router /api/v1/cluster/instance-types [get]
func (h *ClusterHandler) InstanceTypes(c *gin.Context) {
	types := cluster.InstanceTypes()
	out := make([]gin.H, 0, len(types))
	for _, t := range types {
		cpus, _ := cluster.CPUsPerInstance(t)
		out = append(out, gin.H{"instance_type": t, "cpus": cpus})
	}
	c.JSON(http.StatusOK, out)
}

// Terminal streams provisioning command output over a websocket
// @Summary Cluster command output
// @Tags cluster
// @Router /api/v1/cluster/terminal [get]
func (h *ClusterHandler) Terminal(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}
