// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

// Generation backends.
const (
	GenerationNone   = "none"
	GenerationOpenAI = "openai"
	GenerationGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	LogLevel           string
	CORSAllowedOrigins []string
	Store              StoreConfig
	FallbackBankPath   string
	Generation         GenerationConfig
	Breaker            BreakerConfig
	Guard              GuardConfig
	Session            SessionConfig
	RateLimit          RateLimitConfig
	MaxRequestBodySize int64
	Transcript         TranscriptConfig
}

// StoreConfig selects and locates the session store.
type StoreConfig struct {
	Backend        string
	DBPath         string
	BadgerDir      string
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// GenerationConfig selects the question generation backend.
type GenerationConfig struct {
	Backend       string
	Timeout       time.Duration
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	GRPCAddr      string
}

// BreakerConfig controls the generation circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// GuardConfig controls the loop prevention guard.
type GuardConfig struct {
	SimilarityThreshold float64
	HistoryWindow       int
	MaxPending          int
	SafetyMargin        int
}

// SessionConfig controls session lifecycle limits.
type SessionConfig struct {
	MaxResumeAttempts  int
	ConflictMaxRetries int
	IdleTTL            time.Duration
	Retention          time.Duration
	SweepInterval      time.Duration
}

// RateLimitConfig controls per-client request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// TranscriptConfig controls NDJSON transcript logging.
type TranscriptConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		Store: StoreConfig{
			Backend:        strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite)),
			DBPath:         getEnv("DB_PATH", "./data/assessments.db"),
			BadgerDir:      getEnv("BADGER_DIR", "./data/badger"),
			MaxRetries:     getEnvInt("STORE_MAX_RETRIES", 3),
			RetryBaseDelay: getEnvDuration("STORE_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		FallbackBankPath: getEnv("FALLBACK_BANK_PATH", ""),
		Generation: GenerationConfig{
			Backend:       strings.ToLower(getEnv("GENERATION_BACKEND", GenerationNone)),
			Timeout:       getEnvDuration("GENERATION_TIMEOUT", 10*time.Second),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
			GRPCAddr:      getEnv("GENERATOR_GRPC_ADDR", ""),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 3),
			Cooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Guard: GuardConfig{
			SimilarityThreshold: getEnvFloat("GUARD_SIMILARITY_THRESHOLD", 0.85),
			HistoryWindow:       getEnvInt("GUARD_HISTORY_WINDOW", 5),
			MaxPending:          getEnvInt("GUARD_MAX_PENDING", 1),
			SafetyMargin:        getEnvInt("GUARD_SAFETY_MARGIN", 5),
		},
		Session: SessionConfig{
			MaxResumeAttempts:  getEnvInt("MAX_RESUME_ATTEMPTS", 3),
			ConflictMaxRetries: getEnvInt("CONFLICT_MAX_RETRIES", 5),
			IdleTTL:            getEnvDuration("SESSION_IDLE_TTL", 24*time.Hour),
			Retention:          getEnvDuration("SESSION_RETENTION", 720*time.Hour),
			SweepInterval:      getEnvDuration("RETENTION_SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 64<<10)),
		Transcript: TranscriptConfig{
			Enabled:       getEnvBool("TRANSCRIPT_ENABLED", true),
			Dir:           getEnv("TRANSCRIPT_DIR", "./data/transcripts"),
			GlobalEnabled: getEnvBool("TRANSCRIPT_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("TRANSCRIPT_GLOBAL_PATH", "./data/transcripts/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and
// consistent.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if _, ok := logLevels[c.LogLevel]; !ok {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	switch c.Store.Backend {
	case StoreSQLite:
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreBadger:
		if c.Store.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q", StoreSQLite, StoreBadger)
	}
	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("STORE_MAX_RETRIES must be >= 0")
	}
	if c.Store.RetryBaseDelay <= 0 {
		return fmt.Errorf("STORE_RETRY_BASE_DELAY must be > 0")
	}

	switch c.Generation.Backend {
	case GenerationNone:
	case GenerationOpenAI:
		if c.Generation.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when GENERATION_BACKEND=openai")
		}
	case GenerationGRPC:
		if c.Generation.GRPCAddr == "" {
			return fmt.Errorf("GENERATOR_GRPC_ADDR is required when GENERATION_BACKEND=grpc")
		}
	default:
		return fmt.Errorf("GENERATION_BACKEND must be none, openai or grpc")
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be > 0")
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be > 0")
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("BREAKER_COOLDOWN must be > 0")
	}

	if c.Guard.SimilarityThreshold <= 0 || c.Guard.SimilarityThreshold > 1 {
		return fmt.Errorf("GUARD_SIMILARITY_THRESHOLD must be in (0, 1]")
	}
	if c.Guard.HistoryWindow <= 0 {
		return fmt.Errorf("GUARD_HISTORY_WINDOW must be > 0")
	}
	if c.Guard.MaxPending <= 0 {
		return fmt.Errorf("GUARD_MAX_PENDING must be > 0")
	}
	if c.Guard.SafetyMargin < 0 {
		return fmt.Errorf("GUARD_SAFETY_MARGIN must be >= 0")
	}

	if c.Session.MaxResumeAttempts <= 0 {
		return fmt.Errorf("MAX_RESUME_ATTEMPTS must be > 0")
	}
	if c.Session.ConflictMaxRetries <= 0 {
		return fmt.Errorf("CONFLICT_MAX_RETRIES must be > 0")
	}
	if c.Session.IdleTTL < 0 || c.Session.Retention < 0 {
		return fmt.Errorf("SESSION_IDLE_TTL and SESSION_RETENTION must be >= 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("RETENTION_SWEEP_INTERVAL must be > 0")
	}

	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}

	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.Transcript.GlobalEnabled && c.Transcript.GlobalPath == "" {
		return fmt.Errorf("TRANSCRIPT_GLOBAL_PATH cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	return nil
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return logLevels[c.LogLevel]
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
