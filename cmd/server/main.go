package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
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

	"github.com/melodygen/api/internal/client"
	"github.com/melodygen/api/internal/compose"
	"github.com/melodygen/api/internal/config"
	"github.com/melodygen/api/internal/dispatch"
	"github.com/melodygen/api/internal/handler"
	"github.com/melodygen/api/internal/middleware"
	"github.com/melodygen/api/internal/poll"
	"github.com/melodygen/api/internal/service"
	"github.com/melodygen/api/internal/store"
	"github.com/melodygen/api/internal/worker"
	ws "github.com/melodygen/api/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	redisAvailable := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available, using in-memory store: %v", err)
		redisAvailable = false
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize storage; nil means assets keep their provider URLs
	var storage client.Storage
	s3Client, err := client.NewS3Client(&cfg.Storage, nil)
	if err != nil {
		log.Printf("Warning: permanent storage disabled: %v", err)
	} else {
		storage = s3Client
	}
	permanentPrefix := permanentURLPrefix(&cfg.Storage)

	// Initialize job store
	var st store.Store
	if redisAvailable {
		st = store.NewRedisStore(redisClient, permanentPrefix)
	} else {
		st = store.NewMemoryStore(isPermanentFunc(storage, permanentPrefix))
	}

	// Initialize provider clients
	sunoClient := client.NewSunoClient(&cfg.Suno, nil)
	if !sunoClient.IsConfigured() {
		log.Printf("Warning: SUNO_API_KEY not set, generation requests will fail")
	}
	groqClient := client.NewGroqClient(&cfg.Groq, nil)

	// Initialize services
	composer := compose.New(groqClient)
	poller := poll.New(sunoClient, time.Duration(cfg.Generate.PollIntervalSeconds)*time.Second)
	dispatcher := dispatch.New(st, asynqClient, isPermanentFunc(storage, permanentPrefix))

	generateService := service.NewGenerateService(st, sunoClient, composer, poller, dispatcher, hub, &cfg.Generate)
	webhookService := service.NewWebhookService(st, dispatcher, hub)

	// Initialize handlers
	generateHandler := handler.NewGenerateHandler(generateService, validate)
	webhookHandler := handler.NewWebhookHandler(dispatcher)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
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

	// Provider callbacks are authenticated by obscurity of the callback
	// URL, not by JWT; the provider cannot send our tokens.
	app.Post("/webhooks/suno", webhookHandler.Receive)

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	music := api.Group("/music")
	music.Post("/generate", rateLimiter.GenerateLimit(cfg.RateLimit.GeneratePerHour), generateHandler.Generate)
	music.Get("/tracks", generateHandler.ListTracks)
	music.Get("/tracks/:trackId", generateHandler.GetTrack)
	music.Get("/tasks/:taskId", generateHandler.TaskStatus)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:taskId", websocket.New(func(c *websocket.Conn) {
		taskID := c.Params("taskId")
		hub.HandleConnection(c, taskID)
	}))

	// Start Asynq worker server
	go startWorkerServer(redisOpt, webhookService, st, storage, sunoClient)

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

func startWorkerServer(redisOpt asynq.RedisClientOpt, webhookService *service.WebhookService, st store.Store, storage client.Storage, sunoClient *client.SunoClient) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				dispatch.QueueWebhooks:  6,
				dispatch.QueueFollowUps: 4,
			},
		},
	)

	webhookWorker := worker.NewWebhookWorker(webhookService)
	followUpWorker := worker.NewFollowUpWorker(st, storage, sunoClient)

	mux := asynq.NewServeMux()
	mux.HandleFunc(dispatch.TaskTypeWebhookReconcile, webhookWorker.ProcessTask)
	mux.HandleFunc(dispatch.TaskTypePersistAsset, followUpWorker.ProcessPersistAsset)
	mux.HandleFunc(dispatch.TaskTypePersistCover, followUpWorker.ProcessPersistCover)
	mux.HandleFunc(dispatch.TaskTypeAlignedLyrics, followUpWorker.ProcessAlignedLyrics)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

// permanentURLPrefix is the URL prefix under which persisted assets are
// served; stores use it to tell permanent URLs from provider ones.
func permanentURLPrefix(cfg *config.StorageConfig) string {
	if cfg.PublicURL != "" {
		return cfg.PublicURL
	}
	if cfg.BucketName != "" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com", cfg.BucketName)
	}
	return ""
}

func isPermanentFunc(storage client.Storage, prefix string) func(string) bool {
	if storage != nil {
		return storage.IsPermanentURL
	}
	if prefix == "" {
		return nil
	}
	return func(url string) bool {
		return strings.HasPrefix(url, prefix)
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
