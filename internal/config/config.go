// Package config provides environment-based configuration for dubproc.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all process configuration loaded from environment variables.
type Config struct {
	// Filesystem roots.
	AppRoot  string
	InputDir string
	OutDir   string
	LogDir   string
	StateDir string

	// HTTP / cookies.
	Port         int
	CookieSecure bool

	// Secrets.
	JWTSecret     string
	SessionSecret string
	CSRFSecret    string

	// Bootstrap admin.
	AdminUsername string
	AdminPassword string

	// Token lifetimes.
	RefreshTokenDays   int
	AccessTokenMinutes int

	// Uploads.
	MaxUploadBytes  int64
	UploadChunkBytes int64

	// Scheduler concurrency.
	MaxConcurrencyGlobal      int
	MaxConcurrencyPerUser     int
	MaxConcurrencyTranscribe  int
	MaxConcurrencyTTS         int
	MaxConcurrencyGPU         int

	// Disk / retention.
	MinFreeGB                int64
	RetentionUploadTTLHours  int
	RetentionJobArtifactDays int
	RetentionLogDays         int
	WorkStaleMaxHours        int

	// Per-stage watchdog timeouts.
	WatchdogAudioS     int
	WatchdogDiarizeS   int
	WatchdogWhisperS   int
	WatchdogTranslateS int
	WatchdogTTSS       int
	WatchdogMixS       int
	WatchdogMuxS       int
	WatchdogExportS    int
	WatchdogChildMaxMemMB int

	// Distributed queue.
	QueueMode          string // auto|local|redis
	RedisURL           string
	RedisQueuePrefix   string
	RedisLockTTLMS     int
	RedisLockRefreshMS int

	// Egress policy.
	AllowEgress   bool
	AllowHFEgress bool
	OfflineMode   bool

	// Notifications.
	NtfyEnabled bool
	NtfyBaseURL string
	NtfyTopic   string

	// Object storage (optional MinIO/S3 artifact backend).
	StorageBackend string // local|s3
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		AppRoot:  getEnv("APP_ROOT", "."),
		InputDir: getEnv("INPUT_DIR", "Input"),
		OutDir:   getEnv("OUTPUT_DIR", "Output"),
		LogDir:   getEnv("LOG_DIR", "logs"),
		StateDir: getEnv("STATE_DIR", "Output/_state"),

		Port:         getEnvInt("PORT", 8090),
		CookieSecure: getEnvBool("COOKIE_SECURE", false),

		JWTSecret:     getEnv("JWT_SECRET", "dev-jwt-secret-change-me"),
		SessionSecret: getEnv("SESSION_SECRET", "dev-session-secret-change-me"),
		CSRFSecret:    getEnv("CSRF_SECRET", "dev-csrf-secret-change-me"),

		AdminUsername: getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		RefreshTokenDays:   getEnvInt("REFRESH_TOKEN_DAYS", 30),
		AccessTokenMinutes: getEnvInt("ACCESS_TOKEN_MINUTES", 15),

		MaxUploadBytes:   getEnvInt64("MAX_UPLOAD_BYTES", 20*1024*1024*1024),
		UploadChunkBytes: getEnvInt64("UPLOAD_CHUNK_BYTES", 8*1024*1024),

		MaxConcurrencyGlobal:     getEnvInt("MAX_CONCURRENCY_GLOBAL", 2),
		MaxConcurrencyPerUser:    getEnvInt("MAX_CONCURRENCY_PER_USER", 1),
		MaxConcurrencyTranscribe: getEnvInt("MAX_CONCURRENCY_TRANSCRIBE", 1),
		MaxConcurrencyTTS:        getEnvInt("MAX_CONCURRENCY_TTS", 1),
		MaxConcurrencyGPU:        getEnvInt("MAX_CONCURRENCY_GPU", 1),

		MinFreeGB:                getEnvInt64("MIN_FREE_GB", 5),
		RetentionUploadTTLHours:  getEnvInt("RETENTION_UPLOAD_TTL_HOURS", 48),
		RetentionJobArtifactDays: getEnvInt("RETENTION_JOB_ARTIFACT_DAYS", 30),
		RetentionLogDays:         getEnvInt("RETENTION_LOG_DAYS", 14),
		WorkStaleMaxHours:        getEnvInt("WORK_STALE_MAX_HOURS", 24),

		WatchdogAudioS:        getEnvInt("WATCHDOG_AUDIO_S", 600),
		WatchdogDiarizeS:      getEnvInt("WATCHDOG_DIARIZE_S", 1200),
		WatchdogWhisperS:      getEnvInt("WATCHDOG_WHISPER_S", 2700),
		WatchdogTranslateS:    getEnvInt("WATCHDOG_TRANSLATE_S", 600),
		WatchdogTTSS:          getEnvInt("WATCHDOG_TTS_S", 1800),
		WatchdogMixS:          getEnvInt("WATCHDOG_MIX_S", 1200),
		WatchdogMuxS:          getEnvInt("WATCHDOG_MUX_S", 1200),
		WatchdogExportS:       getEnvInt("WATCHDOG_EXPORT_S", 1200),
		WatchdogChildMaxMemMB: getEnvInt("WATCHDOG_CHILD_MAX_MEM_MB", 0),

		QueueMode:          getEnv("QUEUE_MODE", "auto"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisQueuePrefix:   getEnv("REDIS_QUEUE_PREFIX", "dubproc"),
		RedisLockTTLMS:     getEnvInt("REDIS_LOCK_TTL_MS", 30000),
		RedisLockRefreshMS: getEnvInt("REDIS_LOCK_REFRESH_MS", 10000),

		AllowEgress:   getEnvBool("ALLOW_EGRESS", false),
		AllowHFEgress: getEnvBool("ALLOW_HF_EGRESS", false),
		OfflineMode:   getEnvBool("OFFLINE_MODE", true),

		NtfyEnabled: getEnvBool("NTFY_ENABLED", false),
		NtfyBaseURL: getEnv("NTFY_BASE_URL", "https://ntfy.sh"),
		NtfyTopic:   getEnv("NTFY_TOPIC", ""),

		StorageBackend: getEnv("STORAGE_BACKEND", "local"),
		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnv("MINIO_BUCKET", "dubproc-artifacts"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// WatchdogFor returns the configured timeout for a named stage.
func (c *Config) WatchdogFor(stage string) time.Duration {
	seconds := map[string]int{
		"extracting":  c.WatchdogAudioS,
		"diarize":     c.WatchdogDiarizeS,
		"asr":         c.WatchdogWhisperS,
		"translation": c.WatchdogTranslateS,
		"tts":         c.WatchdogTTSS,
		"mixing":      c.WatchdogMixS,
		"mux":         c.WatchdogMuxS,
		"export":      c.WatchdogExportS,
	}[stage]
	if seconds <= 0 {
		seconds = 1200
	}
	return time.Duration(seconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
