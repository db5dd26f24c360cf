package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings, loaded from the environment.
type Config struct {
	Port        string
	MetricsPort string
	RedisURL    string
	WebhookURL  string
	ScorerURL   string

	DedupSimThreshold  float64
	DedupMinCount      int
	DedupWindowSeconds int

	TransformerLatencyMS   int
	CircuitCooldownSeconds int
	CircuitHalfOpenProbes  int

	RoutingLoadPenaltyFactor float64
	EmbeddingDim             int
	WorkerConcurrency        int
	LogLevel                 string
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	return Config{
		Port:        getEnv("PORT", "8080"),
		MetricsPort: getEnv("METRICS_PORT", "2112"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		WebhookURL:  getEnv("WEBHOOK_URL", ""),
		ScorerURL:   getEnv("SCORER_URL", ""),

		DedupSimThreshold:  getEnvFloat("DEDUP_SIM_THRESHOLD", 0.9),
		DedupMinCount:      getEnvInt("DEDUP_MIN_COUNT", 10),
		DedupWindowSeconds: getEnvInt("DEDUP_WINDOW_SECONDS", 300),

		TransformerLatencyMS:   getEnvInt("TRANSFORMER_LATENCY_MS", 500),
		CircuitCooldownSeconds: getEnvInt("CIRCUIT_COOLDOWN_SECONDS", 60),
		CircuitHalfOpenProbes:  getEnvInt("CIRCUIT_HALF_OPEN_PROBES", 3),

		RoutingLoadPenaltyFactor: getEnvFloat("ROUTING_LOAD_PENALTY_FACTOR", 0.1),
		EmbeddingDim:             getEnvInt("EMBEDDING_DIM", 384),
		WorkerConcurrency:        getEnvInt("WORKER_CONCURRENCY", 8),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}
}

// DedupWindow returns the sliding-window horizon as a duration.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// LatencyBudget returns the scorer latency cap as a duration.
func (c Config) LatencyBudget() time.Duration {
	return time.Duration(c.TransformerLatencyMS) * time.Millisecond
}

// CircuitCooldown returns the breaker open-state cooldown as a duration.
func (c Config) CircuitCooldown() time.Duration {
	return time.Duration(c.CircuitCooldownSeconds) * time.Second
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
