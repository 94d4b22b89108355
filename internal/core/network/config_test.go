package network

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 128, cfg.HeadDim())
	assert.Equal(t, 6, cfg.TimeEncoding.Terms())
	assert.Equal(t, 3, Cyclical3.Terms())
}

func TestConfigValidation(t *testing.T) {
	cases := map[string]func(*Config){
		"heads":        func(c *Config) { c.NumHeads = 5 },
		"cross heads":  func(c *Config) { c.CrossAttentionHeads = 3 },
		"vocab":        func(c *Config) { c.NumBloodTypes = 9 },
		"encoding":     func(c *Config) { c.TimeEncoding = "linear" },
		"architecture": func(c *Config) { c.ArchitectureVersion = 7 },
		"dropout":      func(c *Config) { c.Dropout = 1 },
		"hidden":       func(c *Config) { c.HiddenDim = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_config.yaml")
	cfg := smallConfig()
	cfg.ArchitectureVersion = ArchitectureV1
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseConfigKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("model:\n  hidden_dim: 64\n  time_encoding: cyclical3\n"))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.HiddenDim)
	assert.Equal(t, Cyclical3, cfg.TimeEncoding)
	assert.Equal(t, 32, cfg.EmbeddingDim)
	assert.Equal(t, LatestArchitecture, cfg.ArchitectureVersion)

	_, err = ParseConfig([]byte("model:\n  hidden_dim: 30\n"))
	assert.Error(t, err)
}
