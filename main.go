package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/framelens/asset-training-backend/alert"
	"github.com/framelens/asset-training-backend/audit"
	"github.com/framelens/asset-training-backend/bus"
	"github.com/framelens/asset-training-backend/config"
	"github.com/framelens/asset-training-backend/embedding"
	"github.com/framelens/asset-training-backend/extraction"
	"github.com/framelens/asset-training-backend/handlers"
	"github.com/framelens/asset-training-backend/logger"
	"github.com/framelens/asset-training-backend/middleware"
	"github.com/framelens/asset-training-backend/monitor"
	"github.com/framelens/asset-training-backend/repository"
	"github.com/framelens/asset-training-backend/runner"
	"github.com/framelens/asset-training-backend/sse"
	"github.com/framelens/asset-training-backend/storage"
	"github.com/framelens/asset-training-backend/training"
	"github.com/framelens/asset-training-backend/vectorindex"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		panic("failed to initialize configuration: " + err.Error())
	}
	defer cfg.Close()

	log, err := logger.New(cfg.Mode)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	log.Info("starting asset training backend", "mode", cfg.Mode, "port", cfg.Port)

	repo := repository.NewRepository(cfg.DB)
	recorder := audit.NewRecorder(repo, log)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	store, err := storage.NewMinIOClient(bootCtx, storage.MinIOConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		UseSSL:    cfg.MinioUseSSL,
		Bucket:    cfg.MinioBucket,
	}, log)
	if err != nil {
		log.Fatal("failed to initialize object storage", "error", err)
	}

	index, err := vectorindex.NewQdrantIndex(log, vectorindex.Config{
		URL:        cfg.QdrantURL,
		Collection: cfg.QdrantCollection,
		VectorDim:  cfg.VectorDim,
	})
	if err != nil {
		log.Fatal("failed to initialize vector index", "error", err)
	}
	if err := index.EnsureCollection(bootCtx); err != nil {
		log.Fatal("failed to ensure vector collection", "error", err)
	}

	embedder, err := embedding.NewHTTPGenerator(log, embedding.Config{
		URL:     cfg.EmbeddingURL,
		Timeout: cfg.EmbeddingTimeout,
	})
	if err != nil {
		log.Fatal("failed to initialize embedding client", "error", err)
	}

	notifier := alert.NewNotifier(log, alert.Config{
		APIURL:  cfg.AlertAPIURL,
		APIKey:  cfg.AlertAPIKey,
		From:    cfg.AlertFrom,
		To:      cfg.AlertTo,
		Enabled: cfg.AlertEnabled,
	})

	eventBus, err := bus.NewRedisBus(log, bus.Config{
		Addr:    cfg.RedisAddr,
		Channel: cfg.RedisChannel,
	})
	if err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer eventBus.Close()

	hub := sse.NewHub(log)

	forwarderCtx, forwarderCancel := context.WithCancel(context.Background())
	defer forwarderCancel()
	if err := eventBus.StartForwarder(forwarderCtx, hub.Dispatch); err != nil {
		log.Fatal("failed to start event forwarder", "error", err)
	}

	decoder, err := extraction.NewFFmpegDecoder(log)
	if err != nil {
		log.Fatal("failed to initialize video decoder", "error", err)
	}

	taskRunner := runner.New(log, cfg.SoftTimeLimit, cfg.HardTimeLimit)

	pipeline := extraction.NewPipeline(repo, store, decoder, eventBus, recorder, notifier, log, extraction.Options{
		BatchSize:      cfg.ExtractionBatchSize,
		FramePrefix:    cfg.FramePrefix,
		ThumbnailWidth: cfg.ThumbnailWidth,
	})

	orchestrator := training.NewOrchestrator(repo, store, index, embedder, eventBus, recorder, notifier, log, training.Options{
		BatchSize:        cfg.TrainingBatchSize,
		Workers:          cfg.TrainingWorkers,
		CircuitThreshold: cfg.CircuitThreshold,
		MaxRetries:       cfg.MaxFrameRetries,
		VectorDim:        cfg.VectorDim,
	})

	jobMonitor := monitor.NewJobMonitor(repo, recorder, log, 30*time.Second, cfg.HardTimeLimit)
	jobMonitor.Start()

	handler := handlers.NewHandler(cfg, repo, store, index, embedder, pipeline, orchestrator, taskRunner, hub, log)

	if cfg.Mode != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.CORSOrigins))
	router.Use(middleware.ClientSession())

	router.GET("/health", handler.Health)

	api := router.Group("/api/v1")
	{
		videos := api.Group("/videos")
		{
			videos.POST("", handler.UploadVideo)
			videos.GET("", handler.ListVideos)
			videos.GET("/:id", handler.GetVideo)
			videos.PATCH("/:id", handler.UpdateVideo)
			videos.DELETE("/:id", handler.DeleteVideo)
			videos.POST("/:id/extract", handler.StartExtraction)
			videos.GET("/:id/frames", handler.ListFrames)
			videos.POST("/:id/frames/select", handler.SelectFrames)
			videos.POST("/:id/frames/delete", handler.DeleteFrames)
			videos.POST("/:id/train", handler.StartTraining)
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("", handler.ListTrainingJobs)
			jobs.GET("/:id", handler.GetTrainingJob)
			jobs.GET("/:id/status", handler.GetTrainingJobStatus)
			jobs.POST("/:id/pause", handler.PauseTrainingJob)
			jobs.POST("/:id/resume", handler.ResumeTrainingJob)
			jobs.POST("/:id/rollback", handler.RollbackTrainingJob)
			jobs.DELETE("/:id", handler.DeleteTrainingJob)
		}

		api.POST("/search", handler.Search)
		api.GET("/collection", handler.CollectionInfo)
		api.GET("/dashboard", handler.Dashboard)
		api.GET("/events", handler.Events)
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// SSE responses stay open indefinitely, so no write timeout
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	jobMonitor.Stop()
	forwarderCancel()
	taskRunner.Wait()

	log.Info("server stopped gracefully")
}
