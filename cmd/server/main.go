package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fetchrelay/backend/internal/api"
	"github.com/fetchrelay/backend/internal/auth"
	"github.com/fetchrelay/backend/internal/breaker"
	"github.com/fetchrelay/backend/internal/cleanup"
	"github.com/fetchrelay/backend/internal/config"
	"github.com/fetchrelay/backend/internal/db"
	"github.com/fetchrelay/backend/internal/fetch"
	"github.com/fetchrelay/backend/internal/health"
	"github.com/fetchrelay/backend/internal/logger"
	"github.com/fetchrelay/backend/internal/metrics"
	"github.com/fetchrelay/backend/internal/middleware"
	"github.com/fetchrelay/backend/internal/monitor"
	"github.com/fetchrelay/backend/internal/notify"
	"github.com/fetchrelay/backend/internal/orchestrator"
	"github.com/fetchrelay/backend/internal/process"
	"github.com/fetchrelay/backend/internal/queue"
	"github.com/fetchrelay/backend/internal/ratelimit"
	"github.com/fetchrelay/backend/internal/storage"
	"github.com/fetchrelay/backend/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional, real environments set variables directly
	godotenv.Load()

	cfg := config.Load()

	appLog := logger.New(&logger.Config{
		Level:     logger.ParseLevel(cfg.LogLevel),
		Component: "server",
	})
	logger.SetDefault(appLog)

	database, err := db.New(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	jobRepo := db.NewJobRepository(database)
	historyRepo := db.NewHistoryRepository(database)
	statsRepo := db.NewStatsRepository(database)
	credRepo := db.NewCredentialRepository(database)
	blockRepo := db.NewBlocklistRepository(database)

	q, err := queue.NewQueue(cfg.RedisURL, queue.Config{
		MaxQueueDepth:  cfg.MaxQueueDepth,
		PerOwnerActive: cfg.PerOwnerActive,
	}, jobRepo, appLog.WithComponent("queue"))
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer q.Close()

	store, err := storage.New(&storage.Config{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		Bucket:       cfg.S3Bucket,
		UsePathStyle: cfg.S3UsePathStyle,
		UseSSL:       cfg.S3UseSSL,
	})
	if err != nil {
		log.Fatalf("Failed to configure object storage: %v", err)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	if err := store.EnsureBucket(rootCtx); err != nil {
		log.Fatalf("Failed to ensure artifact bucket: %v", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		UserPerMinute:   cfg.UserPerMinute,
		UserPerHour:     cfg.UserPerHour,
		GlobalPerMinute: cfg.GlobalPerMinute,
	})

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		MaxCooldown:      cfg.BreakerMaxCooldown,
	})

	// The pool is created after the monitor, so its active count is read
	// through a late-bound closure.
	var pool *worker.Pool
	mon := monitor.New(monitor.Config{
		Interval:          cfg.MonitorInterval,
		StatsInterval:     cfg.StatsInterval,
		MemoryCeilingPct:  cfg.MemoryCeilingPct,
		DiskFloorBytes:    cfg.DiskFloorBytes,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		DiskPath:          cfg.DownloadDir,
	}, appLog.WithComponent("monitor"), func() int {
		if pool == nil {
			return 0
		}
		return pool.ActiveJobs()
	}, statsRepo)

	hub := notify.NewHub()
	relay := notify.NewRelay(hub, q, appLog.WithComponent("notify"))

	fetcher := fetch.New(cfg.DownloadDir)
	processor := process.New()
	delivery := storage.NewS3Delivery(&storage.Config{
		Endpoint:     cfg.S3Endpoint,
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		Bucket:       cfg.S3Bucket,
		UsePathStyle: cfg.S3UsePathStyle,
		UseSSL:       cfg.S3UseSSL,
	})

	pool = worker.New(q, breakers, fetcher, processor, delivery, hub, historyRepo, mon,
		appLog.WithComponent("worker"), worker.Config{
			WorkerCount: cfg.WorkerCount,
			MaxAttempts: cfg.MaxAttempts,
			StepTimeout: cfg.StepTimeout,
		})

	orch := orchestrator.New(orchestrator.Config{DailyQuota: cfg.DailyQuota},
		q, limiter, blockRepo, mon, breakers, jobRepo,
		appLog.WithComponent("orchestrator"))

	sweeper := cleanup.New(cleanup.Config{
		Interval:          cfg.CleanupInterval,
		ArtifactRetention: cfg.ArtifactRetention,
		HistoryRetention:  cfg.HistoryRetention,
		StagingDir:        cfg.DownloadDir,
	}, appLog.WithComponent("cleanup"), store, historyRepo, statsRepo, limiter)

	authService := auth.NewService(credRepo, cfg.JWTSecret)
	authHandlers := auth.NewHandlers(authService)

	m := metrics.Default()

	healthChecker := health.NewChecker(&health.CheckerConfig{
		DB:           database.DB,
		Redis:        q.Client(),
		StorageCheck: store.Ping,
		Capacity:     mon,
		Version:      os.Getenv("APP_VERSION"),
	})

	wsHandler := notify.NewHandler(hub, authService, appLog.WithComponent("ws"))

	router := api.NewRouter(
		api.NewJobHandlers(orch, historyRepo),
		authHandlers, authService,
		health.NewHandler(healthChecker),
		wsHandler, m,
	)

	handler := middleware.Chain(router,
		middleware.Recoverer(appLog),
		middleware.RequestID,
		middleware.Logging(appLog),
		metrics.Middleware(m),
		middleware.CORS([]string{"*"}),
	)

	// Requeue work that survived the previous process before workers start.
	if _, err := orch.Recover(rootCtx); err != nil {
		appLog.Error(rootCtx, "startup recovery failed", err, nil)
	}

	go hub.Run(rootCtx)
	go relay.Run(rootCtx)
	go mon.Run(rootCtx)
	go sweeper.Run(rootCtx)
	go sampleMetrics(rootCtx, m, q, hub, pool)
	pool.Start()

	server := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: handler,
	}

	go func() {
		appLog.Info(rootCtx, "server listening", map[string]interface{}{
			"addr": cfg.ServerAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	appLog.Info(rootCtx, "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Error(shutdownCtx, "http shutdown failed", err, nil)
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		appLog.Error(shutdownCtx, "worker pool shutdown failed", err, nil)
	}
	rootCancel()
}

// sampleMetrics refreshes the queue and connection gauges.
func sampleMetrics(ctx context.Context, m *metrics.Metrics, q *queue.Queue, hub *notify.Hub, pool *worker.Pool) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := q.Depth(ctx); err == nil {
				m.SetJobQueueDepth(depth)
			}
			m.SetActiveJobs(int64(pool.ActiveJobs()))
			m.SetWSConnections(int64(hub.TotalClients()))
		}
	}
}
