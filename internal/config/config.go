// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings. When DatabaseURL is empty the sqlite store at
	// SQLitePath is used; when SQLitePath is also empty, in-memory only.
	DatabaseURL string
	SQLitePath  string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap. Argon2id hash of the API key exchanged for a JWT.
	// Empty disables authentication entirely.
	AdminAPIKeyHash string

	// Inference settings.
	InferenceProvider string // "auto", "gemini", "ollama", or "noop"
	GeminiAPIKey      string
	GeminiModel       string
	OllamaURL         string
	OllamaModel       string

	// Retrieval settings (ecosystem knowledge index).
	QdrantURL           string
	QdrantAPIKey        string
	QdrantCollection    string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.

	// Agent executor settings.
	VisionTimeout      time.Duration
	VisionMaxRetries   int
	EcosystemTimeout   time.Duration
	EcosystemRetries   int
	RecoveryTimeout    time.Duration
	RecoveryMaxRetries int
	PipelineTimeout    time.Duration // overall budget for one full analysis

	// Synthesis fallback quality score when the merge inference call fails.
	SynthesisFallbackQuality float64

	// Progress watcher settings.
	ProgressInterval time.Duration
	ProgressMaxPolls int

	// Registry eviction grace period after an analysis settles.
	RegistryGrace time.Duration

	// Rate limiting (requests per second per client IP; 0 disables).
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                     envInt("CANOPY_PORT", 8080),
		ReadTimeout:              envDuration("CANOPY_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:             envDuration("CANOPY_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:              envStr("DATABASE_URL", ""),
		SQLitePath:               envStr("CANOPY_SQLITE_PATH", "canopy.db"),
		JWTPrivateKeyPath:        envStr("CANOPY_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:         envStr("CANOPY_JWT_PUBLIC_KEY", ""),
		JWTExpiration:            envDuration("CANOPY_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKeyHash:          envStr("CANOPY_ADMIN_API_KEY_HASH", ""),
		InferenceProvider:        envStr("CANOPY_INFERENCE_PROVIDER", "auto"),
		GeminiAPIKey:             envStr("GEMINI_API_KEY", ""),
		GeminiModel:              envStr("CANOPY_GEMINI_MODEL", "gemini-1.5-flash"),
		OllamaURL:                envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:              envStr("OLLAMA_MODEL", "gemma3"),
		QdrantURL:                envStr("QDRANT_URL", ""),
		QdrantAPIKey:             envStr("QDRANT_API_KEY", ""),
		QdrantCollection:         envStr("CANOPY_QDRANT_COLLECTION", "ecosystem_knowledge"),
		EmbeddingModel:           envStr("CANOPY_EMBEDDING_MODEL", "mxbai-embed-large"),
		EmbeddingDimensions:      envInt("CANOPY_EMBEDDING_DIMENSIONS", 1024),
		VisionTimeout:            envDuration("CANOPY_VISION_TIMEOUT", 120*time.Second),
		VisionMaxRetries:         envInt("CANOPY_VISION_MAX_RETRIES", 3),
		EcosystemTimeout:         envDuration("CANOPY_ECOSYSTEM_TIMEOUT", 180*time.Second),
		EcosystemRetries:         envInt("CANOPY_ECOSYSTEM_MAX_RETRIES", 3),
		RecoveryTimeout:          envDuration("CANOPY_RECOVERY_TIMEOUT", 150*time.Second),
		RecoveryMaxRetries:       envInt("CANOPY_RECOVERY_MAX_RETRIES", 3),
		PipelineTimeout:          envDuration("CANOPY_PIPELINE_TIMEOUT", 600*time.Second),
		SynthesisFallbackQuality: envFloat("CANOPY_SYNTHESIS_FALLBACK_QUALITY", 0.6),
		ProgressInterval:         envDuration("CANOPY_PROGRESS_INTERVAL", time.Second),
		ProgressMaxPolls:         envInt("CANOPY_PROGRESS_MAX_POLLS", 300),
		RegistryGrace:            envDuration("CANOPY_REGISTRY_GRACE", 5*time.Minute),
		RateLimitRPS:             envFloat("CANOPY_RATE_LIMIT_RPS", 0),
		RateLimitBurst:           envInt("CANOPY_RATE_LIMIT_BURST", 20),
		OTELEndpoint:             envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:             envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:              envStr("OTEL_SERVICE_NAME", "canopy"),
		LogLevel:                 envStr("CANOPY_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:      int64(envInt("CANOPY_MAX_REQUEST_BODY_BYTES", 16*1024*1024)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: one of DATABASE_URL or CANOPY_SQLITE_PATH is required")
	}
	switch c.InferenceProvider {
	case "auto", "gemini", "ollama", "noop":
	default:
		return fmt.Errorf("config: unknown CANOPY_INFERENCE_PROVIDER %q", c.InferenceProvider)
	}
	if c.SynthesisFallbackQuality < 0 || c.SynthesisFallbackQuality > 1 {
		return fmt.Errorf("config: CANOPY_SYNTHESIS_FALLBACK_QUALITY must be in [0,1]")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: CANOPY_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("config: CANOPY_PROGRESS_INTERVAL must be positive")
	}
	if c.ProgressMaxPolls <= 0 {
		return fmt.Errorf("config: CANOPY_PROGRESS_MAX_POLLS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: CANOPY_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
