package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Store.Backend != StoreSQLite || cfg.Store.DBPath != "./data/assessments.db" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Generation.Backend != GenerationNone || cfg.Generation.Timeout != 10*time.Second {
		t.Errorf("Generation = %+v", cfg.Generation)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.Cooldown != 30*time.Second {
		t.Errorf("Breaker = %+v", cfg.Breaker)
	}
	if cfg.Guard.SimilarityThreshold != 0.85 || cfg.Guard.HistoryWindow != 5 ||
		cfg.Guard.MaxPending != 1 || cfg.Guard.SafetyMargin != 5 {
		t.Errorf("Guard = %+v", cfg.Guard)
	}
	if cfg.Session.MaxResumeAttempts != 3 || cfg.Session.ConflictMaxRetries != 5 ||
		cfg.Session.IdleTTL != 24*time.Hour || cfg.Session.Retention != 720*time.Hour {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.RateLimit.RequestsPerWindow != 30 || cfg.RateLimit.WindowDuration != time.Minute {
		t.Errorf("RateLimit = %+v", cfg.RateLimit)
	}
	if cfg.MaxRequestBodySize != 64<<10 {
		t.Errorf("MaxRequestBodySize = %d", cfg.MaxRequestBodySize)
	}
	if !cfg.Transcript.Enabled || cfg.Transcript.QueueSize != 1000 {
		t.Errorf("Transcript = %+v", cfg.Transcript)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("SlogLevel = %v", cfg.SlogLevel())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORE_BACKEND", "badger")
	t.Setenv("BADGER_DIR", "/tmp/b")
	t.Setenv("GENERATION_BACKEND", "grpc")
	t.Setenv("GENERATOR_GRPC_ADDR", "localhost:50051")
	t.Setenv("GENERATION_TIMEOUT", "3s")
	t.Setenv("GUARD_SIMILARITY_THRESHOLD", "0.7")
	t.Setenv("GUARD_SAFETY_MARGIN", "0")
	t.Setenv("SESSION_IDLE_TTL", "0s")
	t.Setenv("TRANSCRIPT_ENABLED", "off")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TRANSCRIPT_QUEUE_SIZE", "-4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" || cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("Port/LogLevel = %q/%q", cfg.Port, cfg.LogLevel)
	}
	if cfg.Store.Backend != StoreBadger || cfg.Store.BadgerDir != "/tmp/b" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Generation.Backend != GenerationGRPC || cfg.Generation.Timeout != 3*time.Second {
		t.Errorf("Generation = %+v", cfg.Generation)
	}
	if cfg.Guard.SimilarityThreshold != 0.7 || cfg.Guard.SafetyMargin != 0 {
		t.Errorf("Guard = %+v", cfg.Guard)
	}
	if cfg.Session.IdleTTL != 0 {
		t.Errorf("IdleTTL = %v", cfg.Session.IdleTTL)
	}
	if cfg.Transcript.Enabled {
		t.Error("transcript should be disabled")
	}
	if cfg.Transcript.QueueSize != 1000 {
		t.Errorf("non-positive queue size should fall back to default, got %d", cfg.Transcript.QueueSize)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown store", map[string]string{"STORE_BACKEND": "postgres"}, "STORE_BACKEND"},
		{"openai without key", map[string]string{"GENERATION_BACKEND": "openai"}, "OPENAI_API_KEY"},
		{"grpc without addr", map[string]string{"GENERATION_BACKEND": "grpc"}, "GENERATOR_GRPC_ADDR"},
		{"unknown generator", map[string]string{"GENERATION_BACKEND": "llama"}, "GENERATION_BACKEND"},
		{"threshold out of range", map[string]string{"GUARD_SIMILARITY_THRESHOLD": "1.5"}, "GUARD_SIMILARITY_THRESHOLD"},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"zero breaker threshold", map[string]string{"BREAKER_FAILURE_THRESHOLD": "0"}, "BREAKER_FAILURE_THRESHOLD"},
		{"empty port", map[string]string{"PORT": ""}, "PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %s", err, tt.want)
			}
		})
	}
}

func TestGetEnvHelpersFallBack(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_DUR", "5 minutes")
	t.Setenv("X_FLOAT", "high")
	t.Setenv("X_BOOL", "maybe")

	if getEnvInt("X_INT", 7) != 7 {
		t.Error("getEnvInt should fall back")
	}
	if getEnvDuration("X_DUR", time.Second) != time.Second {
		t.Error("getEnvDuration should fall back")
	}
	if getEnvFloat("X_FLOAT", 0.5) != 0.5 {
		t.Error("getEnvFloat should fall back")
	}
	if !getEnvBool("X_BOOL", true) {
		t.Error("getEnvBool should fall back")
	}
}
