package router

import (
	"net/http"

	"wingman/app/handler"
	"wingman/app/middleware"
	"wingman/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Router Router
type Router struct {
	ledgerHandler  *handler.LedgerHandler
	runHandler     *handler.RunHandler
	clusterHandler *handler.ClusterHandler
	metrics        *metrics.Metrics
	apiKey         string
}

// NewRouter creates a new Router. clusterHandler is nil when the cluster manager is disabled.
func NewRouter(ledgerHandler *handler.LedgerHandler, runHandler *handler.RunHandler, clusterHandler *handler.ClusterHandler, m *metrics.Metrics, apiKey string) *Router {
	return &Router{
		ledgerHandler:  ledgerHandler,
		runHandler:     runHandler,
		clusterHandler: clusterHandler,
		metrics:        m,
		apiKey:         apiKey,
	}
}

// Setup sets up routes
func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if r.metrics != nil {
		engine.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	}

	// Ledger RPC, called by run drivers, backends and workers
	rpc := engine.Group("/rpc")
	rpc.Use(middleware.AuthMiddleware(r.apiKey))
	{
		rpc.GET("/get_version", r.ledgerHandler.GetVersion)
		rpc.POST("/get_version", r.ledgerHandler.GetVersion)
		rpc.POST("/run_created", r.ledgerHandler.RunCreated)
		rpc.POST("/taskset_created", r.ledgerHandler.TasksetCreated)
		rpc.POST("/task_submitted", r.ledgerHandler.TaskSubmitted)
		rpc.POST("/task_started", r.ledgerHandler.TaskStarted)
		rpc.POST("/task_failed", r.ledgerHandler.TaskFailed)
		rpc.POST("/task_completed", r.ledgerHandler.TaskCompleted)
		rpc.POST("/node_disappeared", r.ledgerHandler.NodeDisappeared)
		rpc.POST("/node_heartbeat", r.ledgerHandler.NodeHeartbeat)
	}

	api := engine.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(r.apiKey))
	{
		runs := api.Group("/runs")
		{
			runs.GET("", r.runHandler.ListRuns)
			runs.GET("/:run_id", r.runHandler.GetRun)
			runs.GET("/:run_id/tasks", r.runHandler.ListRunTasks)
		}

		tasks := api.Group("/tasks")
		{
			tasks.GET("", r.runHandler.GetTask)
			tasks.GET("/status-counts", r.runHandler.StatusCounts)
		}

		if r.clusterHandler != nil {
			c := api.Group("/cluster")
			{
				c.GET("", r.clusterHandler.Status)
				c.POST("/start", r.clusterHandler.Start)
				c.POST("/stop", r.clusterHandler.Stop)
				c.POST("/manager", r.clusterHandler.RestartManager)
				c.GET("/parameters", r.clusterHandler.GetParameters)
				c.PUT("/parameters", r.clusterHandler.UpdateParameters)
				c.GET("/instance-types", r.clusterHandler.InstanceTypes)
				c.GET("/terminal", r.clusterHandler.Terminal)
			}
		}
	}
}
