package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port    string
	DBPath  string
	Workers int // jobs executed concurrently
	DataDir string
	// OutputFormat is the default partition format for jobs that name none.
	OutputFormat string
	Provider     string
	Interval     string
	LogLevel     string
	LogFormat    string

	RateCapacity float64
	RateRefill   float64

	MaxWorkers       int // symbols per job executed concurrently
	BatchSize        int
	RetryMaxAttempts int
	RetryBackoff     time.Duration
	RetryTimeout     time.Duration

	APIRPS   float64
	APIBurst int

	// ResumeInterval is how often IN_PROGRESS jobs are retried; 0 disables.
	ResumeInterval time.Duration
}

func Load() Config {
	return Config{
		Port:         getEnv("PORT", "8080"),
		DBPath:       getEnv("DB_PATH", "ingest.db"),
		Workers:      getEnvInt("WORKERS", 2),
		DataDir:      getEnv("DATA_DIR", "data"),
		OutputFormat: getEnv("OUTPUT_FORMAT", "parquet"),
		Provider:     getEnv("PROVIDER", "yahoo"),
		Interval:     getEnv("INTERVAL", "1m"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),

		RateCapacity: getEnvFloat("RATE_CAPACITY", 5),
		RateRefill:   getEnvFloat("RATE_REFILL", 2),

		MaxWorkers:       getEnvInt("MAX_WORKERS", 4),
		BatchSize:        getEnvInt("BATCH_SIZE", 10000),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBackoff:     getEnvDuration("RETRY_BACKOFF", 500*time.Millisecond),
		RetryTimeout:     getEnvDuration("RETRY_TIMEOUT", 5*time.Minute),

		APIRPS:   getEnvFloat("API_RPS", 20),
		APIBurst: getEnvInt("API_BURST", 40),

		ResumeInterval: getEnvDuration("RESUME_INTERVAL", 5*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
