package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/clinisight/api/internal/client"
	"github.com/clinisight/api/internal/config"
	"github.com/clinisight/api/internal/handler"
	"github.com/clinisight/api/internal/middleware"
	"github.com/clinisight/api/internal/processor"
	"github.com/clinisight/api/internal/queue"
	"github.com/clinisight/api/internal/service"
	"github.com/clinisight/api/internal/store"
	"github.com/clinisight/api/internal/worker"
	ws "github.com/clinisight/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Initialize Asynq client + inspector
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Artifact storage (optional — cleanup skips artifact deletes without it)
	var storageClient client.StorageClient
	if s3c, err := client.NewS3Client(&cfg.Storage); err != nil {
		log.Printf("Artifact storage disabled: %v", err)
	} else {
		storageClient = s3c
	}

	// Initialize store, queue and services
	jobStore := store.NewRedis(redisClient)
	jobQueue := queue.NewAsynq(asynqClient, inspector, cfg.Batch.JobTimeout)
	batchService := service.NewBatchService(jobStore, jobQueue, storageClient, cfg.Batch.MaxBatchSize)

	// Initialize handlers
	batchHandler := handler.NewBatchHandler(batchService, validate)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    50 * 1024 * 1024, // 50MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	batches := api.Group("/batches")
	batches.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), batchHandler.Create)
	batches.Get("/", batchHandler.List)
	batches.Get("/:jobId", batchHandler.Get)
	batches.Get("/:jobId/progress", batchHandler.Progress)
	batches.Get("/:jobId/items/:itemId/result", batchHandler.Result)
	batches.Post("/:jobId/retry", batchHandler.Retry)
	batches.Post("/:jobId/cancel", batchHandler.Cancel)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/batches/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	// Start Asynq worker server and cleanup scheduler
	go startWorkerServer(cfg, redisOpt, jobStore, storageClient, hub)
	go startScheduler(cfg, redisOpt)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, jobStore store.Store, storageClient client.StorageClient, hub *ws.Hub) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Batch.Concurrency,
			Queues: map[string]int{
				queue.QueueBatches: 9,
				queue.QueueCleanup: 1,
			},
		},
	)

	// Explicit task registry: every task type handled by this process is
	// wired here at startup.
	batchWorker := worker.NewBatchWorker(jobStore, processor.NewStub(2*time.Second), hub)
	cleanupWorker := worker.NewCleanupWorker(jobStore, storageClient)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypeBatch, batchWorker.ProcessTask)
	mux.HandleFunc(queue.TaskTypeCleanup, cleanupWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func startScheduler(cfg *config.Config, redisOpt asynq.RedisClientOpt) {
	scheduler := asynq.NewScheduler(redisOpt, nil)

	task, err := queue.NewCleanupTask(cfg.Batch.RetentionDays)
	if err != nil {
		log.Printf("Failed to create cleanup task: %v", err)
		return
	}
	if _, err := scheduler.Register(cfg.Batch.CleanupCron, task, asynq.Queue(queue.QueueCleanup)); err != nil {
		log.Printf("Failed to register cleanup schedule: %v", err)
		return
	}

	if err := scheduler.Run(); err != nil {
		log.Printf("Asynq scheduler error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
