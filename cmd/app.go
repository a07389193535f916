package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"wingman/app/handler"
	"wingman/internal/cluster"
	"wingman/internal/jobs"
	"wingman/internal/scheduler"
	"wingman/internal/service"
	"wingman/pkg/backend"
	"wingman/pkg/config"
	"wingman/pkg/logger"
	"wingman/pkg/metrics"
	ledgerstore "wingman/pkg/store/ledger"
	redisstore "wingman/pkg/store/redis"
	"wingman/pkg/terminal"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

// Application manages the lifecycle of the entire application
type Application struct {
	// Infrastructure components
	config      *config.Config
	ledgerRepo  *ledgerstore.Repository
	redisClient *redisstore.RedisClient
	notifier    *redisstore.TasksetNotifier
	nodes       *redisstore.NodeRepository
	asynqClient *asynq.Client
	metrics     *metrics.Metrics

	// Service layer
	ledgerService *service.LedgerService
	backends      *backend.Factory
	scheduler     *scheduler.Scheduler

	// Cluster lifecycle
	hub            *terminal.Hub
	commandRunner  *cluster.ExecRunner
	clusterManager *cluster.Manager

	// Handler layer
	ledgerHandler  *handler.LedgerHandler
	runHandler     *handler.RunHandler
	clusterHandler *handler.ClusterHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Background task cleanup functions
	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	var err error

	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Ledger", app.initLedger},
		{"Redis", app.initRedis},
		{"Metrics", app.initMetrics},
		{"Service Layer", app.initServices},
		{"Execution Backends", app.initBackends},
		{"Scheduler", app.initScheduler},
		{"Cluster Manager", app.initClusterManager},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err = step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	// 1. Start background tasks
	if app.jobsManager != nil {
		logger.InfoCtx(app.ctx, "Starting background task manager, jobs: %v", app.jobsManager.Jobs())
		app.jobsManager.Start()
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.jobsManager.Wait()
		}()
	}

	// 2. Start submission scheduler
	if app.scheduler != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.scheduler.Run(app.ctx); err != nil {
				logger.ErrorCtx(app.ctx, "Scheduler stopped with error: %v", err)
			}
		}()
	}

	// 3. Start cluster manager
	if app.clusterManager != nil && app.config.Cluster.Enabled {
		if err := app.clusterManager.StartManager(app.ctx); err != nil {
			logger.ErrorCtx(app.ctx, "Failed to start cluster manager: %v", err)
		} else {
			logger.InfoCtx(app.ctx, "Cluster manager started, state: %s", app.clusterManager.State())
		}
	}

	// 4. Start HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Cancel all background tasks
	logger.InfoCtx(app.ctx, "Canceling background tasks...")
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}

	// 2. Stop HTTP server (stop accepting new requests)
	logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	// 3. Wait for all background tasks, local task processes and cluster commands
	logger.InfoCtx(app.ctx, "Waiting for background tasks to complete...")
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		if app.backends != nil {
			app.backends.Wait()
		}
		if app.commandRunner != nil {
			app.commandRunner.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	// 4. Execute all cleanup functions (in reverse registration order)
	logger.InfoCtx(app.ctx, "Executing cleanup functions...")
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	// 5. Sync logs
	_ = logger.Sync()

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}

// endpointURL is the RPC url remote tasks report to
func (app *Application) endpointURL() string {
	if app.config.Scheduler.EndpointURL != "" {
		return app.config.Scheduler.EndpointURL
	}
	host := app.config.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
		if name, err := os.Hostname(); err == nil && name != "" {
			host = name
		}
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(app.config.Server.Port))
}
