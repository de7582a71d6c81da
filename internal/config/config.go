package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every externally sourced setting the service consumes.
type Config struct {
	APIKey    string
	APISecret string

	DetectURL string
	SearchURL string
	CreateURL string
	AddURL    string
	DetailURL string

	ConfidenceThreshold float64
	MinFaceQuality      float64
	SearchResultCount   int
	FacesetCapacity     int

	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration

	MaxImageBytes int
	MaxDimension  int
	MinDimension  int

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string

	ListenAddr        string
	ReconcileInterval time.Duration
}

// Load reads configuration from the environment, honoring a local .env
// file when present.
func Load() (*Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		APIKey:    os.Getenv("FPP_API_KEY"),
		APISecret: os.Getenv("FPP_API_SECRET"),

		DetectURL: os.Getenv("FPP_DETECT_URL"),
		SearchURL: os.Getenv("FPP_SEARCH_URL"),
		CreateURL: os.Getenv("FPP_CREATE_URL"),
		AddURL:    os.Getenv("FPP_ADD_URL"),
		DetailURL: os.Getenv("FPP_DETAIL_URL"),

		ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", 90.0),
		MinFaceQuality:      getEnvFloat("MIN_FACE_QUALITY", 40.0),
		SearchResultCount:   getEnvInt("SEARCH_RESULT_COUNT", 5),
		FacesetCapacity:     getEnvInt("FACESET_CAPACITY", 10000),

		MaxRetries:     getEnvInt("PROVIDER_MAX_RETRIES", 3),
		RetryDelay:     getEnvDuration("PROVIDER_RETRY_DELAY", 2*time.Second),
		RequestTimeout: getEnvDuration("PROVIDER_REQUEST_TIMEOUT", 15*time.Second),

		MaxImageBytes: getEnvInt("IMAGE_MAX_BYTES", 2<<20),
		MaxDimension:  getEnvInt("IMAGE_MAX_DIMENSION", 2048),
		MinDimension:  getEnvInt("IMAGE_MIN_DIMENSION", 48),

		DatabaseDSN: getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=facededup port=5432 sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", "redis:6379"),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),

		ListenAddr:        getEnv("LISTEN_ADDR", ":8080"),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("face provider credentials not configured (FPP_API_KEY / FPP_API_SECRET)")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
