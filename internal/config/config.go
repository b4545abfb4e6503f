package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisURL  string
	JWTSecret string

	// Local artifact staging area
	DownloadDir string

	// S3/MinIO delivery target
	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UsePathStyle bool
	S3UseSSL       bool

	// Worker pool
	WorkerCount int
	MaxAttempts int
	StepTimeout time.Duration

	// Queue
	MaxQueueDepth  int
	PerOwnerActive int

	// Rate limiting
	UserPerMinute   int
	UserPerHour     int
	GlobalPerMinute int
	DailyQuota      int

	// Circuit breakers
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration
	BreakerMaxCooldown      time.Duration

	// Resource monitor
	MonitorInterval   time.Duration
	StatsInterval     time.Duration
	MemoryCeilingPct  float64
	DiskFloorBytes    int64
	MaxConcurrentJobs int

	// Cleanup
	CleanupInterval   time.Duration
	ArtifactRetention time.Duration
	HistoryRetention  time.Duration
}

func Load() *Config {
	return &Config{
		ServerAddr: getEnvOrDefault("SERVER_ADDR", ":8080"),
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),

		DBHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DBPort:     getEnvOrDefault("DB_PORT", "5432"),
		DBUser:     getEnvOrDefault("DB_USER", "fetchrelay"),
		DBPassword: getEnvOrDefault("DB_PASSWORD", "fetchrelay_dev_password"),
		DBName:     getEnvOrDefault("DB_NAME", "fetchrelay"),

		RedisURL:  getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		JWTSecret: getEnvOrDefault("JWT_SECRET", generateDefaultSecret()),

		DownloadDir: getEnvOrDefault("DOWNLOAD_DIR", "./downloads"),

		S3Endpoint:     getEnvOrDefault("S3_ENDPOINT", "http://localhost:9000"),
		S3Region:       getEnvOrDefault("S3_REGION", "us-east-1"),
		S3AccessKey:    getEnvOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:    getEnvOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:       getEnvOrDefault("S3_BUCKET", "artifacts"),
		S3UsePathStyle: getBoolOrDefault("S3_USE_PATH_STYLE", true),
		S3UseSSL:       getBoolOrDefault("S3_USE_SSL", false),

		WorkerCount: getIntOrDefault("WORKER_COUNT", 3, 1),
		MaxAttempts: getIntOrDefault("MAX_ATTEMPTS", 3, 1),
		StepTimeout: getDurationOrDefault("STEP_TIMEOUT", 10*time.Minute),

		MaxQueueDepth:  getIntOrDefault("MAX_QUEUE_DEPTH", 500, 1),
		PerOwnerActive: getIntOrDefault("PER_OWNER_ACTIVE", 1, 1),

		UserPerMinute:   getIntOrDefault("MAX_REQUESTS_PER_MINUTE", 10, 1),
		UserPerHour:     getIntOrDefault("MAX_REQUESTS_PER_HOUR", 100, 1),
		GlobalPerMinute: getIntOrDefault("MAX_GLOBAL_REQUESTS_PER_MINUTE", 50, 1),
		DailyQuota:      getIntOrDefault("DAILY_DOWNLOAD_QUOTA", 50, 1),

		BreakerFailureThreshold: getIntOrDefault("BREAKER_FAILURE_THRESHOLD", 5, 1),
		BreakerCooldown:         getDurationOrDefault("BREAKER_COOLDOWN", 60*time.Second),
		BreakerMaxCooldown:      getDurationOrDefault("BREAKER_MAX_COOLDOWN", 10*time.Minute),

		MonitorInterval:   getDurationOrDefault("MONITOR_INTERVAL", 30*time.Second),
		StatsInterval:     getDurationOrDefault("STATS_INTERVAL", 5*time.Minute),
		MemoryCeilingPct:  getFloatOrDefault("MEMORY_CEILING_PCT", 80.0),
		DiskFloorBytes:    getInt64OrDefault("DISK_FLOOR_BYTES", 2<<30),
		MaxConcurrentJobs: getIntOrDefault("MAX_CONCURRENT_JOBS", 10, 1),

		CleanupInterval:   getDurationOrDefault("CLEANUP_INTERVAL", time.Hour),
		ArtifactRetention: getDurationOrDefault("ARTIFACT_RETENTION", 24*time.Hour),
		HistoryRetention:  getDurationOrDefault("HISTORY_RETENTION", 30*24*time.Hour),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue, min int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v < min {
		return defaultValue
	}
	return v
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "dev-secret-change-in-production"
	}
	return hex.EncodeToString(bytes)
}
