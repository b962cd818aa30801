package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort            string
	AppMode            string
	JWTSecret          string
	AllowAnonymous     bool
	DefaultTeamID      string
	AnalysisRetention  time.Duration
	AnalysisStaleAfter time.Duration
	EvictionInterval   time.Duration
	CORSAllowedOrigin  string
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort:            getEnv("APP_PORT", "8080"),
		AppMode:            getEnv("APP_MODE", "debug"),
		JWTSecret:          getEnv("JWT_SECRET", "change-me"),
		AllowAnonymous:     getEnvAsBool("ALLOW_ANONYMOUS", true),
		DefaultTeamID:      getEnv("DEFAULT_TEAM_ID", "general"),
		AnalysisRetention:  getEnvAsDuration("ANALYSIS_RETENTION", 6*time.Hour),
		AnalysisStaleAfter: getEnvAsDuration("ANALYSIS_STALE_AFTER", 30*time.Minute),
		EvictionInterval:   getEnvAsDuration("EVICTION_INTERVAL", time.Minute),
		CORSAllowedOrigin:  getEnv("CORS_ALLOWED_ORIGIN", "*"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
