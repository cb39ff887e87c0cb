package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/deckflow/deckflow/orchestrator/gpu"
	"github.com/deckflow/deckflow/orchestrator/idempotency"
	"github.com/deckflow/deckflow/orchestrator/middleware"
	"github.com/deckflow/deckflow/orchestrator/queue"
	"github.com/deckflow/deckflow/orchestrator/store"
	"github.com/deckflow/deckflow/orchestrator/streaming"
)

func main() {
	cfg := LoadConfig()
	ctx := context.Background()

	// Queue Store: Postgres is the durable backend; without DATABASE_URL
	// an in-memory store serves single-process dev mode.
	var s store.Store
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.StoreParams())
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pgStore.Close()
		if err := pgStore.InitSchema(ctx); err != nil {
			log.Fatalf("Failed to initialize schema: %v", err)
		}
		log.Printf("Connected to Postgres queue store")
		s = pgStore
	} else {
		log.Println("DATABASE_URL not set, using in-memory queue store (single-process dev mode)")
		s = store.NewMemoryStore(cfg.StoreParams())
	}

	// Idempotency cache: Redis when available, otherwise in-process.
	var idemStore *idempotency.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		log.Printf("Connected to Redis at %s for idempotency cache", cfg.RedisAddr)
		idemStore = idempotency.NewStore(client)
	} else {
		log.Println("REDIS_ADDR not set, using in-memory idempotency cache (ephemeral)")
		idemStore = idempotency.NewStore(nil)
	}

	// Task lifecycle events fan out to the process log and the WebSocket
	// progress hub.
	hub := NewProgressHub()
	go hub.Run(ctx)
	publisher := streaming.NewFanout(streaming.NewLogPublisher(), hub)
	defer publisher.Close()

	manager := queue.NewManager(s, publisher, queue.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		DefaultMaxRetries:  3,
	})
	if err := manager.RegisterServer(ctx); err != nil {
		log.Fatalf("Failed to register server: %v", err)
	}
	log.Printf("Registered as worker %s", manager.ServerID())

	gpuClient := gpu.NewClient(cfg.GPUBaseURL)
	if err := gpuClient.Health(ctx); err != nil {
		log.Printf("Warning: GPU worker at %s not reachable yet: %v", cfg.GPUBaseURL, err)
	}

	pool := NewDriverPool(manager, s, gpuClient, cfg)
	pool.Start(ctx)

	monitor := NewMonitor(manager, s, cfg.HeartbeatInterval, func() int {
		stats, err := s.GetQueueStats(ctx)
		if err != nil {
			return 0
		}
		return stats.Processing
	})
	monitor.Start(ctx)

	api := NewAPI(s, manager, idemStore, hub)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Enqueue and read surface.
	http.Handle("/api/tasks", http.HandlerFunc(api.withIdempotency(api.handleEnqueue)))
	http.Handle("/api/tasks/retry", http.HandlerFunc(api.handleRetryTask))
	http.Handle("/api/progress/", http.HandlerFunc(api.handleTaskProgress))
	http.Handle("/api/queue/stats", http.HandlerFunc(api.handleQueueStats))
	http.Handle("/api/progress-stream", http.HandlerFunc(api.handleProgressStream))

	// Internal callbacks from the GPU workers.
	internal := func(h http.HandlerFunc) http.Handler {
		return middleware.InternalAuth(cfg.InternalToken, http.HandlerFunc(api.withIdempotency(h)))
	}
	http.Handle("/api/internal/update-processing-progress", internal(api.handleUpdateProcessingProgress))
	http.Handle("/api/internal/save-specialized-analysis", internal(api.handleSaveSpecializedAnalysis))
	http.Handle("/api/internal/save-template-processing", internal(api.handleSaveTemplateProcessing))
	http.Handle("/api/internal/update-deck-results", internal(api.handleUpdateDeckResults))
	http.Handle("/api/internal/save-visual-analysis", internal(api.handleSaveVisualAnalysis))

	// Metrics Endpoint
	http.Handle("/metrics", promhttp.Handler())

	// Debug Snapshot Endpoint
	http.HandleFunc("/debug/queue/snapshot", func(w http.ResponseWriter, r *http.Request) {
		stats, err := manager.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server_id": manager.ServerID(),
			"stats":     stats,
		})
	})

	log.Printf("Deckflow orchestrator listening on %s", cfg.ListenAddr)

	// Wrap all routes with CORS middleware for frontend access
	handler := middleware.CORSMiddleware(http.DefaultServeMux)

	log.Fatal(http.ListenAndServe(cfg.ListenAddr, handler))
}
