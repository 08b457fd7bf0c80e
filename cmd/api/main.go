package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/api"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/config"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/db"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/generator"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/keypool"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/queue"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/services"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/storage"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/worker"
)

func main() {
	log.Println("Starting Veo clip service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	log.Println("Initialized Supabase storage")

	pool := keypool.New(cfg.GeminiKeys, keypool.Options{
		Cooldown:  cfg.KeyCooldown,
		RateLimit: cfg.KeyRateLimit,
	})

	veoSvc := services.NewVeoService(services.VeoConfig{
		Model:            cfg.VeoModel,
		AspectRatio:      cfg.AspectRatio,
		Resolution:       cfg.Resolution,
		DurationSeconds:  cfg.DurationSeconds,
		PersonGeneration: cfg.PersonGeneration,
	})

	handler := api.NewHandler(database, q, stor, pool)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Cancelled on shutdown so open event streams end.
	baseCtx, stopRequests := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	var workerCancel context.CancelFunc
	workerDone := make(chan struct{})
	if cfg.WorkerEnabled {
		log.Printf("Worker enabled with %d API key(s), starting background processing...", pool.Len())

		if cfg.ValidateKeysOnStart {
			vctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			report := pool.Validate(vctx, veoSvc)
			cancel()
			log.Printf("Key validation: %d working, %d rate limited, %d invalid",
				len(report.Working), len(report.RateLimited), len(report.Invalid))
		}

		promptSvc := services.NewPromptService(cfg.OpenAIKey, cfg.OpenAIModel)
		if cfg.OpenAIKey != "" {
			log.Printf("Prompt enrichment enabled (model: %s)", cfg.OpenAIModel)
		}

		w := worker.New(database, q, stor, pool, veoSvc, promptSvc, worker.Config{
			Generator: generator.Config{
				MaxAttempts:         cfg.MaxRetriesPerClip,
				MaxRateLimitRetries: cfg.MaxRateLimitRetries,
				MaxSubmitRetries:    cfg.MaxSubmitRetries,
				MaxProbes:           cfg.MaxImageAttempts,
				PollInterval:        cfg.PollInterval,
			},
			ParallelClips:     cfg.ParallelClips,
			ReserveKeysPerJob: cfg.ReserveKeysPerJob,
			ResumeInterval:    cfg.ResumeInterval,
		})

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go func() {
			defer close(workerDone)
			w.Start(workerCtx, cfg.MaxConcurrentJobs)
		}()
	} else {
		close(workerDone)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if workerCancel != nil {
		workerCancel()
	}
	stopRequests()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	select {
	case <-workerDone:
	case <-ctx.Done():
		log.Println("Worker did not stop in time")
	}

	log.Println("Server exited")
}
