package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/salescoach/api/internal/auth"
	"github.com/salescoach/api/internal/client"
	"github.com/salescoach/api/internal/config"
	"github.com/salescoach/api/internal/handler"
	"github.com/salescoach/api/internal/middleware"
	"github.com/salescoach/api/internal/service"
	"github.com/salescoach/api/internal/store"
	"github.com/salescoach/api/internal/worker"
	"github.com/salescoach/api/pkg/response"
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

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Open the chunk store
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize external clients
	embeddingClient := client.NewEmbeddingClient(&cfg.Embedding)
	if !embeddingClient.IsConfigured() {
		log.Println("Warning: embedding provider not configured; embedding operations will fail")
	}
	extractor, err := client.NewExtractor(&cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to initialize extractor: %v", err)
	}

	// Initialize services
	indexService := service.NewIndexService(db, embeddingClient, extractor,
		time.Duration(cfg.Indexing.EmbedDelayMS)*time.Millisecond,
		time.Duration(cfg.Indexing.NERDelayMS)*time.Millisecond)
	jobService := service.NewJobService(db, asynqClient)

	// Initialize handlers
	indexHandler := handler.NewIndexHandler(indexService, jobService, db, validate)

	// Initialize middleware
	signer := auth.NewSigner(cfg.Auth.ServiceSecret)
	authMiddleware := middleware.NewAuthMiddleware(signer, cfg.Auth.ServiceSecret, cfg.Auth.JWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    5 * 1024 * 1024, // 5MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization," +
			auth.HeaderSignature + "," + auth.HeaderTimestamp + "," + auth.HeaderNonce,
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"embedding": embeddingClient.IsConfigured(),
				"llm":       cfg.LLM.APIKey != "",
				"database":  true,
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	index := api.Group("/index")
	index.Post("/",
		rateLimiter.IndexLimit(cfg.RateLimit.IndexPerWindow, cfg.RateLimit.WindowSeconds),
		indexHandler.Index)
	index.Get("/jobs/:jobId", indexHandler.GetJob)
	index.Post("/jobs/:jobId/cancel", indexHandler.CancelJob)

	// Start Asynq worker server
	go startWorkerServer(cfg, db, indexService)

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

func startWorkerServer(cfg *config.Config, db *store.Store, indexService *service.IndexService) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			// Jobs write to a single sqlite store; one at a time keeps the
			// bookkeeping serial.
			Concurrency: 1,
			LogLevel:    asynqLogLevel,
		},
	)

	backfillWorker := worker.NewBackfillWorker(db, indexService, cfg.Indexing.BatchSize)
	reindexWorker := worker.NewReindexWorker(db, indexService, cfg.Indexing.BatchSize)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskEmbeddingBackfill, backfillWorker.ProcessEmbeddingTask)
	mux.HandleFunc(service.TaskNERBackfill, backfillWorker.ProcessNERTask)
	mux.HandleFunc(service.TaskFullReindex, reindexWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		return c.Status(e.Code).JSON(response.ErrorBody{Error: e.Message})
	}
	requestID, _ := c.Locals("requestid").(string)
	return c.Status(fiber.StatusInternalServerError).JSON(response.ErrorBody{
		Error:     "Internal Server Error",
		RequestID: requestID,
	})
}
