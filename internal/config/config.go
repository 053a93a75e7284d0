package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application level configuration loaded from environment variables.
type Config struct {
	ServerPort    string
	MySQLDSN      string
	RedisAddr     string
	RedisDB       int
	RedisPass     string
	JWTSecret     string
	MLServiceURL  string
	MLAnalyzeURL  string
	MLClassifyURL string
	MLTimeout     time.Duration
	CORSOrigins   []string
	MaxUploadSize string
}

// Load builds Config from environment with sensible defaults.
func Load() *Config {
	if os.Getenv("APP_ENV") == "dev" {
		godotenv.Load()
	}

	return &Config{
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		MySQLDSN:      getEnv("MYSQL_DSN", "user:password@tcp(localhost:3306)/neuroview?charset=utf8mb4&parseTime=True&loc=Local"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisPass:     os.Getenv("REDIS_PASSWORD"),
		JWTSecret:     getEnv("JWT_SECRET", "change-me"),
		MLServiceURL:  getEnv("ML_SERVICE_URL", "http://ml:8000"),
		MLAnalyzeURL:  os.Getenv("ML_ANALYZE_URL"),
		MLClassifyURL: os.Getenv("ML_CLASSIFY_URL"),
		// Segmenting a full study can take minutes, hence the generous default.
		MLTimeout:     time.Duration(getEnvInt("ML_REQUEST_TIMEOUT_MS", 300000)) * time.Millisecond,
		CORSOrigins:   splitOrigins(getEnv("CORS_ORIGINS", "*")),
		MaxUploadSize: getEnv("MAX_UPLOAD_SIZE", "1G"),
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
