package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the service configuration resolved from the environment.
type Config struct {
	Environment  string
	HTTPAddr     string
	GRPCAddr     string
	PostgresDSN  string
	AuthSecret   string
	SessionTTL   time.Duration
	RedisURL     string
	DevTokens    bool
	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	sessionTTL, err := time.ParseDuration(getEnv("APPRAISE_SESSION_TTL", "30m"))
	if err != nil {
		return nil, fmt.Errorf("invalid APPRAISE_SESSION_TTL: %w", err)
	}
	if sessionTTL <= 0 {
		return nil, errors.New("APPRAISE_SESSION_TTL must be positive")
	}

	burst, err := strconv.Atoi(getEnv("APPRAISE_RATE_BURST", "40"))
	if err != nil {
		return nil, fmt.Errorf("invalid APPRAISE_RATE_BURST: %w", err)
	}
	perSec, err := strconv.Atoi(getEnv("APPRAISE_RATE_PER_SEC", "20"))
	if err != nil {
		return nil, fmt.Errorf("invalid APPRAISE_RATE_PER_SEC: %w", err)
	}
	maxBody, err := strconv.ParseInt(getEnv("APPRAISE_MAX_BODY_BYTES", "1048576"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid APPRAISE_MAX_BODY_BYTES: %w", err)
	}
	devTokens, err := strconv.ParseBool(getEnv("APPRAISE_DEV_TOKENS", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid APPRAISE_DEV_TOKENS: %w", err)
	}

	secret := strings.TrimSpace(os.Getenv("APPRAISE_AUTH_SECRET"))
	if secret == "" {
		return nil, errors.New("APPRAISE_AUTH_SECRET is required")
	}

	return &Config{
		Environment:  getEnv("APPRAISE_ENV", "development"),
		HTTPAddr:     getEnv("APPRAISE_HTTP_ADDR", ":8080"),
		GRPCAddr:     getEnv("APPRAISE_GRPC_ADDR", ":9090"),
		PostgresDSN:  strings.TrimSpace(os.Getenv("APPRAISE_PG_DSN")),
		AuthSecret:   secret,
		SessionTTL:   sessionTTL,
		RedisURL:     strings.TrimSpace(os.Getenv("APPRAISE_REDIS_URL")),
		DevTokens:    devTokens,
		RateBurst:    burst,
		RatePerSec:   perSec,
		MaxBodyBytes: maxBody,
	}, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
