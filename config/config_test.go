package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "none", cfg.OTELExporterType)
	assert.Equal(t, 10*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 512, cfg.CacheMaxEntries)
	assert.Equal(t, 3, cfg.StreamMaxReconnects)
	assert.Equal(t, time.Second, cfg.StreamReconnectBackoff)
	assert.Equal(t, int64(100000), cfg.DefaultRateLimitTPM)

	require.Len(t, cfg.Providers, 2)
	deepseek := cfg.Providers[0]
	assert.Equal(t, "deepseek", deepseek.Name)
	assert.Equal(t, "https://api.deepseek.com/v1/chat/completions", deepseek.Endpoint)
	assert.True(t, deepseek.Streaming)
	assert.Equal(t, 60*time.Second, deepseek.Timeout)
	assert.Equal(t, 5*time.Minute, deepseek.StreamTimeout)
	require.Len(t, deepseek.Models, 2)
	assert.Equal(t, "deepseek-chat", deepseek.Models[0].ID)
	assert.Equal(t, 0.00027, deepseek.Models[0].Pricing.Input)
	assert.Equal(t, 4096, deepseek.Models[0].MaxTokens)
	assert.Equal(t, "openai", cfg.Providers[1].Name)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STREAM_MAX_RECONNECTS", "5")
	t.Setenv("REQUEST_TIMEOUT", "15s")
	t.Setenv("DEEPSEEK_ENDPOINT", "http://localhost:1234/chat")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5, cfg.StreamMaxReconnects)
	assert.Equal(t, 15*time.Second, cfg.Providers[0].Timeout)
	assert.Equal(t, "http://localhost:1234/chat", cfg.Providers[0].Endpoint)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := map[string]string{
		"CACHE_TTL":              "ten minutes",
		"STREAM_MAX_RECONNECTS":  "many",
		"DEFAULT_RATE_LIMIT_TPM": "lots",
		"OTEL_EXPORTER_TYPE":     "zipkin",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_ProvidersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: local
    endpoint: http://localhost:11434/v1/chat/completions
    timeout: 5s
    models:
      - id: llama3
        max_tokens: 2048
`), 0o600))
	t.Setenv("PROVIDERS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "local", cfg.Providers[0].Name)
	assert.Equal(t, 5*time.Second, cfg.Providers[0].Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Providers[0].StreamTimeout)
	assert.False(t, cfg.Providers[0].Streaming)
}

func TestParseProviders(t *testing.T) {
	_, err := ParseProviders([]byte("providers: []"))
	assert.Error(t, err)

	_, err = ParseProviders([]byte("providers: [unterminated"))
	assert.Error(t, err)

	t.Setenv("EMPTY_ENDPOINT", "")
	defs, err := ParseProviders([]byte(`
providers:
  - name: x
    endpoint: ${EMPTY_ENDPOINT:-http://fallback}
    key_pattern: '^k-[0-9]+$'
`))
	require.NoError(t, err)
	assert.Equal(t, "http://fallback", defs[0].Endpoint)
	assert.Equal(t, "^k-[0-9]+$", defs[0].KeyPattern)
}
