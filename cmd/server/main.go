package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"video-pipeline/internal/pipeline"
	"video-pipeline/internal/platform/config"
	"video-pipeline/internal/platform/logger"
	"video-pipeline/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "4000")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	uploadDir := config.GetEnv("UPLOAD_DIR", "uploads")
	dbPath := config.GetEnv("DB_PATH", "")
	jwtSecret := config.GetEnv("JWT_SECRET", "")
	tokenTTL := config.GetEnvDuration("TOKEN_TTL", 24*time.Hour)
	maxUploadBytes := config.GetEnvInt64("MAX_UPLOAD_BYTES", pipeline.DefaultMaxUploadBytes)

	log := logger.New(logLevel, logFormat)

	if jwtSecret == "" {
		jwtSecret = "your-secret-key"
		log.Warn("JWT_SECRET not set, using insecure default")
	}

	var store pipeline.Store
	if dbPath != "" {
		sqlStore, err := pipeline.NewSQLiteStore(dbPath)
		if err != nil {
			log.Error("open store", "error", err)
			os.Exit(1)
		}
		defer sqlStore.Close()
		store = sqlStore
	} else {
		log.Warn("DB_PATH not set, asset records are in-memory only")
		store = pipeline.NewInMemoryStore()
	}

	blobs, err := pipeline.NewFSBlobStore(uploadDir)
	if err != nil {
		log.Error("open blob store", "error", err)
		os.Exit(1)
	}

	procCtx, stopProcessing := context.WithCancel(context.Background())
	defer stopProcessing()

	met := metrics.New()
	hub := pipeline.NewBroadcaster()
	proc := pipeline.NewProcessor(store, hub, log, met, pipeline.ProcessorConfig{
		InitialDelay:    config.GetEnvDuration("PROCESS_INITIAL_DELAY", pipeline.DefaultInitialDelay),
		TickInterval:    config.GetEnvDuration("PROCESS_TICK_INTERVAL", pipeline.DefaultTickInterval),
		StepMin:         config.GetEnvInt("PROCESS_STEP_MIN", pipeline.DefaultStepMin),
		StepMax:         config.GetEnvInt("PROCESS_STEP_MAX", pipeline.DefaultStepMax),
		FlagProbability: config.GetEnvFloat("PROCESS_FLAG_PROBABILITY", pipeline.DefaultFlagProbability),
		RetryBackoff:    config.GetEnvDuration("PROCESS_RETRY_BACKOFF", pipeline.DefaultRetryBackoff),
	})
	svc := pipeline.NewService(procCtx, store, blobs, proc, log)
	auth := pipeline.NewAuth(store, log, jwtSecret, tokenTTL)
	h := pipeline.NewHandler(svc, hub, log, met, maxUploadBytes)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveProcessing(proc.ActiveCount())
			met.SetLiveSubscribers(hub.SubscriberCount())
		}).ServeHTTP(w, r)
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", auth.Register)
		r.Post("/auth/login", auth.Login)
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Post("/videos", h.Upload)
			r.Get("/videos", h.List)
			r.Get("/videos/{storage_name}/stream", h.Stream)
			r.Get("/ws", h.Subscribe)
		})
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"upload_dir", uploadDir,
		"durable_store", dbPath != "",
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	stopProcessing()
	proc.Wait()

	log.Info("server stopped")
}
