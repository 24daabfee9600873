package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Worker    WorkerConfig
	Pipeline  PipelineConfig
	Tools     ToolsConfig
	RateLimit RateLimitConfig
	Sentry    SentryConfig
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins string
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	JobTTLHours int
}

// StorageConfig points at any S3-compatible endpoint. An empty Endpoint
// uses the AWS default resolver.
type StorageConfig struct {
	Endpoint         string
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	Bucket           string
	KeyPrefix        string
	URLExpirySeconds int
}

type WorkerConfig struct {
	Concurrency int
	Queue       string
}

// PipelineConfig holds selection parameters (seconds) and stage deadlines.
type PipelineConfig struct {
	WorkDir            string
	TargetDuration     float64
	MinChunk           float64
	MaxChunk           float64
	MaxAttempts        int
	MaxChunks          int
	FallbackThreshold  float64
	FallbackSegments   int
	FallbackMinSegment float64
	VerifyTimeout      int // seconds
	VerifyIntervalMs   int
	DownloadTimeout    int // seconds
	ProcessTimeout     int // seconds
	UploadTimeout      int // seconds
}

type ToolsConfig struct {
	YtDlpPath   string
	FFmpegPath  string
	FFprobePath string
}

type RateLimitConfig struct {
	SubmitPerHour int
}

// SentryConfig enables exception reporting when DSN is set.
type SentryConfig struct {
	DSN string
}

func (c StorageConfig) URLExpiry() time.Duration {
	return time.Duration(c.URLExpirySeconds) * time.Second
}

func (c RedisConfig) JobTTL() time.Duration {
	return time.Duration(c.JobTTLHours) * time.Hour
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c PipelineConfig) VerifyTimeoutDuration() time.Duration   { return seconds(c.VerifyTimeout) }
func (c PipelineConfig) DownloadTimeoutDuration() time.Duration { return seconds(c.DownloadTimeout) }
func (c PipelineConfig) ProcessTimeoutDuration() time.Duration  { return seconds(c.ProcessTimeout) }
func (c PipelineConfig) UploadTimeoutDuration() time.Duration   { return seconds(c.UploadTimeout) }

func (c PipelineConfig) VerifyIntervalDuration() time.Duration {
	return time.Duration(c.VerifyIntervalMs) * time.Millisecond
}

const (
	// taskTimeoutMargin covers job loading, cleanup and the terminal write.
	taskTimeoutMargin = 5 * time.Minute

	// asynq always applies a task timeout, so unbounded stages still get one.
	unboundedTaskTimeout = 24 * time.Hour
)

// TaskTimeout bounds one compile task: every stage deadline plus a margin.
// Any unbounded stage yields unboundedTaskTimeout.
func (c PipelineConfig) TaskTimeout() time.Duration {
	stages := []time.Duration{
		c.DownloadTimeoutDuration(),
		c.ProcessTimeoutDuration(),
		c.UploadTimeoutDuration(),
	}
	total := c.VerifyTimeoutDuration() + taskTimeoutMargin
	for _, d := range stages {
		if d <= 0 {
			return unboundedTaskTimeout
		}
		total += d
	}
	return total
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("S3_ACCESS_KEY_ID")
	readSecret("S3_SECRET_ACCESS_KEY")
	readSecret("SENTRY_DSN")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.allowed_origins", "ALLOWED_ORIGINS")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("redis.job_ttl_hours", "JOB_TTL_HOURS")
	_ = viper.BindEnv("storage.endpoint", "S3_ENDPOINT")
	_ = viper.BindEnv("storage.region", "S3_REGION")
	_ = viper.BindEnv("storage.access_key_id", "S3_ACCESS_KEY_ID")
	_ = viper.BindEnv("storage.secret_access_key", "S3_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("storage.bucket", "S3_BUCKET")
	_ = viper.BindEnv("storage.key_prefix", "S3_KEY_PREFIX")
	_ = viper.BindEnv("storage.url_expiry_seconds", "S3_URL_EXPIRY_SECONDS")
	_ = viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = viper.BindEnv("worker.queue", "WORKER_QUEUE")
	_ = viper.BindEnv("pipeline.work_dir", "PIPELINE_WORK_DIR")
	_ = viper.BindEnv("pipeline.target_duration", "PIPELINE_TARGET_DURATION")
	_ = viper.BindEnv("pipeline.min_chunk", "PIPELINE_MIN_CHUNK")
	_ = viper.BindEnv("pipeline.max_chunk", "PIPELINE_MAX_CHUNK")
	_ = viper.BindEnv("pipeline.max_attempts", "PIPELINE_MAX_ATTEMPTS")
	_ = viper.BindEnv("pipeline.max_chunks", "PIPELINE_MAX_CHUNKS")
	_ = viper.BindEnv("pipeline.fallback_threshold", "PIPELINE_FALLBACK_THRESHOLD")
	_ = viper.BindEnv("pipeline.fallback_segments", "PIPELINE_FALLBACK_SEGMENTS")
	_ = viper.BindEnv("pipeline.fallback_min_segment", "PIPELINE_FALLBACK_MIN_SEGMENT")
	_ = viper.BindEnv("pipeline.verify_timeout", "PIPELINE_VERIFY_TIMEOUT")
	_ = viper.BindEnv("pipeline.verify_interval_ms", "PIPELINE_VERIFY_INTERVAL_MS")
	_ = viper.BindEnv("pipeline.download_timeout", "PIPELINE_DOWNLOAD_TIMEOUT")
	_ = viper.BindEnv("pipeline.process_timeout", "PIPELINE_PROCESS_TIMEOUT")
	_ = viper.BindEnv("pipeline.upload_timeout", "PIPELINE_UPLOAD_TIMEOUT")
	_ = viper.BindEnv("tools.ytdlp_path", "YTDLP_PATH")
	_ = viper.BindEnv("tools.ffmpeg_path", "FFMPEG_PATH")
	_ = viper.BindEnv("tools.ffprobe_path", "FFPROBE_PATH")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = viper.BindEnv("sentry.dsn", "SENTRY_DSN")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.allowed_origins", "*")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.job_ttl_hours", 24)
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.key_prefix", "clips")
	viper.SetDefault("storage.url_expiry_seconds", 3600)
	viper.SetDefault("worker.concurrency", 2)
	viper.SetDefault("worker.queue", "clips")

	// Pipeline defaults
	viper.SetDefault("pipeline.work_dir", filepath.Join(os.TempDir(), "clipreel"))
	viper.SetDefault("pipeline.target_duration", 1500)
	viper.SetDefault("pipeline.min_chunk", 270)
	viper.SetDefault("pipeline.max_chunk", 330)
	viper.SetDefault("pipeline.max_attempts", 50)
	viper.SetDefault("pipeline.max_chunks", 10)
	viper.SetDefault("pipeline.fallback_threshold", 330)
	viper.SetDefault("pipeline.fallback_segments", 3)
	viper.SetDefault("pipeline.fallback_min_segment", 10)
	viper.SetDefault("pipeline.verify_timeout", 5)
	viper.SetDefault("pipeline.verify_interval_ms", 250)
	viper.SetDefault("pipeline.download_timeout", 1800)
	viper.SetDefault("pipeline.process_timeout", 3600)
	viper.SetDefault("pipeline.upload_timeout", 600)

	viper.SetDefault("tools.ytdlp_path", "yt-dlp")
	viper.SetDefault("tools.ffmpeg_path", "ffmpeg")
	viper.SetDefault("tools.ffprobe_path", "ffprobe")
	viper.SetDefault("ratelimit.submit_per_hour", 20)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:           viper.GetString("server.port"),
			Env:            viper.GetString("server.env"),
			LogLevel:       viper.GetString("server.log_level"),
			AllowedOrigins: viper.GetString("server.allowed_origins"),
		},
		Redis: RedisConfig{
			Addr:        viper.GetString("redis.addr"),
			Password:    viper.GetString("redis.password"),
			DB:          viper.GetInt("redis.db"),
			JobTTLHours: viper.GetInt("redis.job_ttl_hours"),
		},
		Storage: StorageConfig{
			Endpoint:         viper.GetString("storage.endpoint"),
			Region:           viper.GetString("storage.region"),
			AccessKeyID:      viper.GetString("storage.access_key_id"),
			SecretAccessKey:  viper.GetString("storage.secret_access_key"),
			Bucket:           viper.GetString("storage.bucket"),
			KeyPrefix:        viper.GetString("storage.key_prefix"),
			URLExpirySeconds: viper.GetInt("storage.url_expiry_seconds"),
		},
		Worker: WorkerConfig{
			Concurrency: viper.GetInt("worker.concurrency"),
			Queue:       viper.GetString("worker.queue"),
		},
		Pipeline: PipelineConfig{
			WorkDir:            viper.GetString("pipeline.work_dir"),
			TargetDuration:     viper.GetFloat64("pipeline.target_duration"),
			MinChunk:           viper.GetFloat64("pipeline.min_chunk"),
			MaxChunk:           viper.GetFloat64("pipeline.max_chunk"),
			MaxAttempts:        viper.GetInt("pipeline.max_attempts"),
			MaxChunks:          viper.GetInt("pipeline.max_chunks"),
			FallbackThreshold:  viper.GetFloat64("pipeline.fallback_threshold"),
			FallbackSegments:   viper.GetInt("pipeline.fallback_segments"),
			FallbackMinSegment: viper.GetFloat64("pipeline.fallback_min_segment"),
			VerifyTimeout:      viper.GetInt("pipeline.verify_timeout"),
			VerifyIntervalMs:   viper.GetInt("pipeline.verify_interval_ms"),
			DownloadTimeout:    viper.GetInt("pipeline.download_timeout"),
			ProcessTimeout:     viper.GetInt("pipeline.process_timeout"),
			UploadTimeout:      viper.GetInt("pipeline.upload_timeout"),
		},
		Tools: ToolsConfig{
			YtDlpPath:   viper.GetString("tools.ytdlp_path"),
			FFmpegPath:  viper.GetString("tools.ffmpeg_path"),
			FFprobePath: viper.GetString("tools.ffprobe_path"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
		},
		Sentry: SentryConfig{
			DSN: viper.GetString("sentry.dsn"),
		},
	}

	return cfg, nil
}
