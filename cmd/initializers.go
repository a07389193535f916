package main

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"wingman/app/handler"
	"wingman/app/router"
	"wingman/internal/cluster"
	"wingman/internal/jobs"
	"wingman/internal/scheduler"
	"wingman/internal/service"
	"wingman/pkg/backend"
	"wingman/pkg/config"
	"wingman/pkg/lock"
	"wingman/pkg/logger"
	"wingman/pkg/metrics"
	"wingman/pkg/notification"
	ledgerstore "wingman/pkg/store/ledger"
	redisstore "wingman/pkg/store/redis"
	"wingman/pkg/terminal"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	batchv1 "k8s.io/api/batch/v1"
)

const (
	statusCountsInterval = 15 * time.Second
	nodeReaperInterval   = 30 * time.Second
)

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	app.config = config.GlobalConfig
	return nil
}

// initLogger initializes logger
func (app *Application) initLogger() error {
	if err := logger.Init(app.config.Logger); err != nil {
		return fmt.Errorf("failed to init logger: %v", err)
	}
	gin.SetMode(app.config.Server.Mode)
	return nil
}

// initLedger opens the task ledger and migrates its tables
func (app *Application) initLedger() error {
	repo, err := ledgerstore.NewRepository(app.config.Ledger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %v", err)
	}
	app.ledgerRepo = repo
	app.registerCleanup(func() {
		if err := repo.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "Failed to close ledger: %v", err)
		}
	})
	logger.InfoCtx(app.ctx, "Ledger opened, driver: %s", app.config.Ledger.Driver)
	return nil
}

// initRedis connects redis when configured. Without it the service runs single-instance.
func (app *Application) initRedis() error {
	if !app.config.Redis.Enabled() {
		logger.InfoCtx(app.ctx, "Redis not configured, running single-instance (no asynq executor, no node liveness)")
		return nil
	}

	redisClient, err := redisstore.NewRedisClient(app.config.Redis)
	if err != nil {
		return err
	}
	app.redisClient = redisClient
	app.notifier = redisstore.NewTasksetNotifier(redisClient)
	app.nodes = redisstore.NewNodeRepository(redisClient)
	app.asynqClient = asynq.NewClient(backend.RedisClientOpt(app.config.Redis))

	app.registerCleanup(func() {
		if err := app.asynqClient.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "Failed to close asynq client: %v", err)
		}
		if err := redisClient.Close(); err != nil {
			logger.ErrorCtx(app.ctx, "Failed to close redis: %v", err)
		}
	})
	return nil
}

func (app *Application) initMetrics() error {
	app.metrics = metrics.New()
	return nil
}

// initServices initializes the ledger service and cross-process wakeups
func (app *Application) initServices() error {
	var publisher service.TasksetPublisher
	if app.notifier != nil {
		publisher = app.notifier
	}
	app.ledgerService = service.NewLedgerService(app.ledgerRepo, publisher)

	if app.notifier != nil {
		if err := app.notifier.Subscribe(app.ctx, app.ledgerService.NotifyTasksetCreated); err != nil {
			return err
		}
	}
	return nil
}

// initBackends prepares the execution backends runs can select
func (app *Application) initBackends() error {
	opts := []backend.Option{
		backend.WithBaseContext(app.ctx),
	}
	if app.asynqClient != nil {
		opts = append(opts, backend.WithAsynqClient(app.asynqClient))
	}

	if app.config.K8s.Enabled {
		kube, err := backend.NewKubernetesClient(app.config.K8s.Kubeconfig)
		if err != nil {
			return err
		}
		var template *batchv1.Job
		if app.config.K8s.JobTemplate != "" {
			template, err = backend.LoadJobTemplate(app.config.K8s.JobTemplate)
			if err != nil {
				return err
			}
		}
		opts = append(opts, backend.WithKubernetes(kube, template))
		logger.InfoCtx(app.ctx, "k8s executor enabled, namespace: %s", app.config.K8s.Namespace)
	}

	endpoint := app.endpointURL()
	app.backends = backend.NewFactory(app.config, app.ledgerService, endpoint, opts...)
	logger.InfoCtx(app.ctx, "Remote tasks report to %s", endpoint)
	return nil
}

// initScheduler creates the submission scheduler. With redis, replicas elect one submitter.
func (app *Application) initScheduler() error {
	if !app.config.Scheduler.Enabled {
		logger.InfoCtx(app.ctx, "Scheduler disabled")
		return nil
	}

	opts := []scheduler.Option{scheduler.WithMetrics(app.metrics)}
	if app.redisClient != nil {
		opts = append(opts, scheduler.WithLock(lock.NewRedisDistributedLock(app.redisClient.GetClient(), lock.SchedulerLockKey)))
	}
	app.scheduler = scheduler.New(app.config.Scheduler, app.ledgerService, app.backends, opts...)
	return nil
}

// initClusterManager creates the cluster manager; it is started in Start
func (app *Application) initClusterManager() error {
	app.hub = terminal.NewHub(0)
	if !app.config.Cluster.Enabled {
		logger.InfoCtx(app.ctx, "Cluster manager disabled")
		return nil
	}

	ec2Client, err := cluster.NewEC2Client(app.ctx, app.config.Cluster)
	if err != nil {
		return err
	}

	opts := []cluster.Option{cluster.WithMetrics(app.metrics)}
	if feishu := notification.NewFeishuNotifier(app.config.Notification); feishu.Enabled() {
		opts = append(opts, cluster.WithNotifier(feishu))
	}

	app.commandRunner = cluster.NewExecRunner(app.hub, backend.DefaultCommand)
	app.clusterManager = cluster.NewManager(
		app.config.Cluster,
		app.commandRunner,
		cluster.NewEC2OwnershipStore(ec2Client),
		opts...,
	)
	logger.InfoCtx(app.ctx, "Cluster manager created, cluster: %s, identifier: %s",
		app.config.Cluster.Name, app.clusterManager.Identifier())
	return nil
}

// initJobs registers periodic background jobs
func (app *Application) initJobs() error {
	app.jobsManager = jobs.NewManager(app.ctx)
	app.jobsManager.Register(jobs.NewStatusCountsJob(app.ledgerService, app.metrics, statusCountsInterval))
	if app.nodes != nil {
		app.jobsManager.Register(jobs.NewNodeReaperJob(app.nodes, app.ledgerService, app.metrics, nodeReaperInterval))
	}
	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	app.ledgerHandler = handler.NewLedgerHandler(app.ledgerService, app.nodes, app.metrics)
	app.runHandler = handler.NewRunHandler(app.ledgerService)
	if app.clusterManager != nil {
		app.clusterHandler = handler.NewClusterHandler(app.ctx, app.clusterManager, app.hub)
	}
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	r := router.NewRouter(app.ledgerHandler, app.runHandler, app.clusterHandler, app.metrics, app.config.Server.APIKey)

	app.ginEngine = gin.New()
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:              net.JoinHostPort(app.config.Server.Host, strconv.Itoa(app.config.Server.Port)),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}
