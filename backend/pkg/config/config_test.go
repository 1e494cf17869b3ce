package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GRAPH_BACKEND", "")
	t.Setenv("MATCHING_THRESHOLD", "")
	t.Setenv("HIGH_LEVEL_ANALYSIS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, GraphBackendNeo4j, cfg.GraphBackend)
	assert.Equal(t, 0.7, cfg.MatchingThreshold)
	assert.False(t, cfg.HighLevelAnalysis)
	assert.True(t, cfg.Refinement)
	assert.Equal(t, 3, cfg.LLMMaxAttempts)
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GRAPH_BACKEND", "MEMORY")
	t.Setenv("MATCHING_THRESHOLD", "0.85")
	t.Setenv("HIGH_LEVEL_ANALYSIS", "true")
	t.Setenv("REFINEMENT", "off")
	t.Setenv("LLM_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, GraphBackendMemory, cfg.GraphBackend)
	assert.Equal(t, 0.85, cfg.MatchingThreshold)
	assert.True(t, cfg.HighLevelAnalysis)
	assert.False(t, cfg.Refinement)
	assert.Equal(t, 30*time.Second, cfg.LLMTimeout)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			GraphBackend:      GraphBackendMemory,
			LiteLLMURL:        "http://localhost:4000",
			ModelID:           "model",
			MatchingThreshold: 0.7,
			LLMMaxAttempts:    3,
			LLMTimeout:        time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) { c.GraphBackend = "sqlite" }, true},
		{"neo4j without uri", func(c *Config) { c.GraphBackend = GraphBackendNeo4j; c.Neo4jUser = "u"; c.Neo4jPassword = "p" }, true},
		{"threshold above one", func(c *Config) { c.MatchingThreshold = 1.2 }, true},
		{"no attempts", func(c *Config) { c.LLMMaxAttempts = 0 }, true},
		{"no model", func(c *Config) { c.ModelID = "" }, true},
		{"zero timeout", func(c *Config) { c.LLMTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
