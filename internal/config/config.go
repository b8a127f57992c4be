// Package config loads the relay's runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	APITypeOpenAI = "openai"
	APITypeAzure  = "azure"

	TokenModeParam     = "param"
	TokenModeStateless = "stateless"
)

// Config holds every setting read at startup. Secrets and persona text live in
// the parameter store under ParamPrefix, not here.
type Config struct {
	StoreBackend string
	StateTable   string
	// StateWindowIndex names an optional GSI on (PK, createdAt) for DynamoDB.
	StateWindowIndex string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	HistoryWindow    time.Duration
	HistoryTTL       time.Duration

	ParamPrefix string

	OpenAIBaseURL    string
	OpenAIAPIType    string
	OpenAIAPIVersion string
	OpenAIModel      string
	// Decoding overrides; nil keeps the relay default.
	OpenAITemperature *float64
	OpenAIMaxTokens   *int
	OpenAITopP        *float64

	LineTokenMode string

	HTTPTimeout      time.Duration
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	EventConcurrency int
	LogLevel         string
}

// Load reads environment variables and applies defaults.
func Load() (Config, error) {
	cfg := Config{
		StoreBackend:     strings.ToLower(envOrDefault("STORE_BACKEND", BackendDynamoDB)),
		StateTable:       trimmedEnv("STATE_TABLE"),
		StateWindowIndex: trimmedEnv("STATE_TABLE_WINDOW_INDEX"),
		DatabaseURL:      trimmedEnv("DATABASE_URL"),
		RedisAddr:        envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		ParamPrefix:      strings.TrimRight(trimmedEnv("PARAM_PREFIX"), "/"),
		OpenAIBaseURL:    trimmedEnv("OPENAI_BASE_URL"),
		OpenAIAPIType:    strings.ToLower(envOrDefault("OPENAI_API_TYPE", APITypeOpenAI)),
		OpenAIAPIVersion: envOrDefault("OPENAI_API_VERSION", "2024-02-15-preview"),
		OpenAIModel:      trimmedEnv("OPENAI_MODEL"),
		LineTokenMode:    strings.ToLower(envOrDefault("LINE_TOKEN_MODE", TokenModeParam)),
		BindAddr:         envOrDefault("BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("METRICS_NAMESPACE", "line_chat"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
	}

	var err error
	if cfg.RedisDB, err = intFromEnv("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.HistoryWindow, err = durationFromEnv("HISTORY_WINDOW", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.HistoryTTL, err = durationFromEnv("HISTORY_TTL", 30*24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.OpenAITemperature, err = optionalFloatFromEnv("OPENAI_TEMPERATURE"); err != nil {
		return Config{}, err
	}
	if cfg.OpenAIMaxTokens, err = optionalIntFromEnv("OPENAI_MAX_TOKENS"); err != nil {
		return Config{}, err
	}
	if cfg.OpenAITopP, err = optionalFloatFromEnv("OPENAI_TOP_P"); err != nil {
		return Config{}, err
	}
	if cfg.HTTPTimeout, err = durationFromEnv("HTTP_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.EventConcurrency, err = intFromEnv("EVENT_CONCURRENCY", 4); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			return fmt.Errorf("STATE_TABLE is required for the %s backend", c.StoreBackend)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s backend", c.StoreBackend)
		}
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND %q is not supported", c.StoreBackend)
	}
	if c.ParamPrefix == "" {
		return fmt.Errorf("PARAM_PREFIX is required")
	}
	if c.OpenAIModel == "" {
		return fmt.Errorf("OPENAI_MODEL is required")
	}
	switch c.OpenAIAPIType {
	case APITypeOpenAI:
	case APITypeAzure:
		if c.OpenAIBaseURL == "" {
			return fmt.Errorf("OPENAI_BASE_URL is required when OPENAI_API_TYPE=azure")
		}
	default:
		return fmt.Errorf("OPENAI_API_TYPE %q is not supported", c.OpenAIAPIType)
	}
	switch c.LineTokenMode {
	case TokenModeParam, TokenModeStateless:
	default:
		return fmt.Errorf("LINE_TOKEN_MODE %q is not supported", c.LineTokenMode)
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("HISTORY_WINDOW must be positive")
	}
	if c.OpenAIMaxTokens != nil && *c.OpenAIMaxTokens <= 0 {
		return fmt.Errorf("OPENAI_MAX_TOKENS must be positive")
	}
	if c.EventConcurrency <= 0 {
		return fmt.Errorf("EVENT_CONCURRENCY must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func optionalIntFromEnv(key string) (*int, error) {
	if trimmedEnv(key) == "" {
		return nil, nil
	}
	n, err := intFromEnv(key, 0)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func optionalFloatFromEnv(key string) (*float64, error) {
	if trimmedEnv(key) == "" {
		return nil, nil
	}
	f, err := floatFromEnv(key, 0)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
