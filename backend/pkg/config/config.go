package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Graph backends
const (
	GraphBackendNeo4j  = "neo4j"
	GraphBackendMemory = "memory"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Graph store
	GraphBackend  string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// AI
	LiteLLMURL       string
	ModelID          string
	OpenRouterAPIKey string

	// Model transport policy
	LLMTimeout          time.Duration
	LLMMaxAttempts      int
	LLMRateLimit        float64 // requests per second, 0 disables the limiter
	PromptCostPer1K     float64
	CompletionCostPer1K float64
	BreakerFailureRatio float64
	BreakerMinRequests  int

	// Pipeline
	MatchingThreshold float64
	HighLevelAnalysis bool // disabled by default
	Refinement        bool
	PipelineTimeout   time.Duration

	// Audit log (badger); empty path keeps it in memory
	AuditDBPath string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		GraphBackend:        strings.ToLower(getEnv("GRAPH_BACKEND", GraphBackendNeo4j)),
		Neo4jURI:            getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:           getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:       getEnv("NEO4J_PASSWORD", "password"),
		LiteLLMURL:          getEnv("LITELLM_URL", "http://localhost:4000"),
		ModelID:             getEnv("MODEL_ID", "openrouter/anthropic/claude-3.5-sonnet"),
		OpenRouterAPIKey:    getEnv("OPENROUTER_API_KEY", ""),
		LLMTimeout:          getEnvDuration("LLM_TIMEOUT", 120*time.Second),
		LLMMaxAttempts:      getEnvInt("LLM_MAX_ATTEMPTS", 3),
		LLMRateLimit:        getEnvFloat("LLM_RATE_LIMIT", 2),
		PromptCostPer1K:     getEnvFloat("LLM_PROMPT_COST_PER_1K", 0),
		CompletionCostPer1K: getEnvFloat("LLM_COMPLETION_COST_PER_1K", 0),
		BreakerFailureRatio: getEnvFloat("LLM_BREAKER_FAILURE_RATIO", 0.8),
		BreakerMinRequests:  getEnvInt("LLM_BREAKER_MIN_REQUESTS", 5),
		MatchingThreshold:   getEnvFloat("MATCHING_THRESHOLD", 0.7),
		HighLevelAnalysis:   getEnvBool("HIGH_LEVEL_ANALYSIS", false),
		Refinement:          getEnvBool("REFINEMENT", true),
		PipelineTimeout:     getEnvDuration("PIPELINE_TIMEOUT", 10*time.Minute),
		AuditDBPath:         getEnv("AUDIT_DB_PATH", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	switch c.GraphBackend {
	case GraphBackendNeo4j:
		if c.Neo4jURI == "" {
			return fmt.Errorf("NEO4J_URI is required")
		}
		if c.Neo4jUser == "" {
			return fmt.Errorf("NEO4J_USER is required")
		}
		if c.Neo4jPassword == "" {
			return fmt.Errorf("NEO4J_PASSWORD is required")
		}
	case GraphBackendMemory:
	default:
		return fmt.Errorf("GRAPH_BACKEND must be %q or %q, got %q", GraphBackendNeo4j, GraphBackendMemory, c.GraphBackend)
	}
	if c.LiteLLMURL == "" {
		return fmt.Errorf("LITELLM_URL is required")
	}
	if c.ModelID == "" {
		return fmt.Errorf("MODEL_ID is required")
	}
	if c.MatchingThreshold < 0 || c.MatchingThreshold > 1 {
		return fmt.Errorf("MATCHING_THRESHOLD must be within [0, 1], got %v", c.MatchingThreshold)
	}
	if c.LLMMaxAttempts < 1 {
		return fmt.Errorf("LLM_MAX_ATTEMPTS must be at least 1")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be positive")
	}
	// OpenRouter API key is optional when LiteLLM holds the credentials
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
