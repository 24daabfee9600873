package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/clipreel/api/internal/client"
	"github.com/clipreel/api/internal/config"
	"github.com/clipreel/api/internal/exceptions"
	"github.com/clipreel/api/internal/handler"
	"github.com/clipreel/api/internal/middleware"
	"github.com/clipreel/api/internal/pipeline"
	"github.com/clipreel/api/internal/progress"
	"github.com/clipreel/api/internal/selector"
	"github.com/clipreel/api/internal/service"
	"github.com/clipreel/api/internal/store"
	ws "github.com/clipreel/api/internal/websocket"
	"github.com/clipreel/api/internal/worker"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := newLogger(cfg.Server)

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("Redis not available")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	storageClient, err := client.NewS3Client(&cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("Failed to configure object storage")
	}

	reporter, err := exceptions.New(cfg.Sentry.DSN, cfg.Server.Env)
	if err != nil {
		log.WithError(err).Warn("Exception reporting disabled")
		reporter = &exceptions.NoopReporter{}
	}

	jobStore := store.NewRedisStore(redisClient, cfg.Redis.JobTTL())
	hub := ws.NewHub(log)
	go hub.Run(ctx)

	clipService := service.NewClipService(jobStore, asynqClient, cfg.Worker.Queue, cfg.Pipeline.TaskTimeout())

	prober := client.NewProber(cfg.Tools.FFprobePath)
	orchestrator, err := pipeline.NewOrchestrator(pipeline.Dependencies{
		Store:    jobStore,
		Fetcher:  client.NewYtDlpClient(cfg.Tools.YtDlpPath, prober),
		Engine:   client.NewFFmpegClient(cfg.Tools.FFmpegPath),
		Storage:  storageClient,
		Expirer:  clipService,
		Notifier: hub,
		Reporter: reporter,
		Logger:   log,
	}, pipelineOptions(cfg))
	if err != nil {
		log.WithError(err).Fatal("Invalid pipeline configuration")
	}

	// Initialize validator
	validate := validator.New()

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		Output: log.Writer(),
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept",
	}))

	rateLimiter := middleware.NewRateLimiter(redisClient, log)
	handler.Register(app, handler.Routes{
		Clips:       handler.NewClipHandler(clipService, validate),
		Hub:         hub,
		Health:      jobStore,
		SubmitLimit: rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour),
	})

	srv := newWorkerServer(cfg, redisOpt, log)
	mux := asynq.NewServeMux()
	mux.Handle(service.TaskTypeCompile, worker.NewCompileWorker(orchestrator, reporter, log))
	mux.Handle(service.TaskTypeExpire, worker.NewExpireWorker(storageClient, log))
	if err := srv.Start(mux); err != nil {
		log.WithError(err).Fatal("Failed to start worker server")
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("Server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Infof("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Error("Server error")
	}

	srv.Shutdown()
	cancel()
}

func newLogger(cfg config.ServerConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if strings.EqualFold(cfg.Env, "production") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	p := cfg.Pipeline
	return pipeline.Options{
		WorkDir: p.WorkDir,
		Selection: selector.Options{
			TargetDuration:     p.TargetDuration,
			MinChunk:           p.MinChunk,
			MaxChunk:           p.MaxChunk,
			MaxAttempts:        p.MaxAttempts,
			MaxChunks:          p.MaxChunks,
			FallbackThreshold:  p.FallbackThreshold,
			FallbackSegments:   p.FallbackSegments,
			FallbackMinSegment: p.FallbackMinSegment,
		},
		Windows:         progress.DefaultWindows(),
		VerifyTimeout:   p.VerifyTimeoutDuration(),
		VerifyInterval:  p.VerifyIntervalDuration(),
		DownloadTimeout: p.DownloadTimeoutDuration(),
		ProcessTimeout:  p.ProcessTimeoutDuration(),
		UploadTimeout:   p.UploadTimeoutDuration(),
		URLExpiry:       cfg.Storage.URLExpiry(),
		KeyPrefix:       cfg.Storage.KeyPrefix,
	}
}

func newWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, log *logrus.Logger) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			cfg.Worker.Queue: 1,
		},
		LogLevel:        asynqLogLevel,
		Logger:          log,
		ShutdownTimeout: 30 * time.Second,
	})
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
