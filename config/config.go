package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/chatstream/internal/provider"
)

//go:embed providers.yaml
var defaultProviders []byte

type Config struct {
	// Server
	Port string // default: 8080

	// Logging
	LogLevel  string // default: info
	LogFormat string // "json" or "console"

	// Providers
	ProvidersFile string // empty: embedded table
	Providers     []provider.Definition

	// Database, empty disables the usage ledger
	PostgresDSN string

	// Cache and rate limiting, empty means in-memory cache and no limiter
	RedisAddr       string
	CacheTTL        time.Duration // default: 10m
	CacheMaxEntries int           // default: 512

	// Streaming
	StreamMaxReconnects    int           // default: 3
	StreamReconnectBackoff time.Duration // default: 1s
	RequestTimeout         time.Duration // default: 60s
	StreamTimeout          time.Duration // default: 5m

	// Observability
	OTELExporterType     string // "none", "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		ProvidersFile:        os.Getenv("PROVIDERS_FILE"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.CacheTTL, err = durationEnv("CACHE_TTL", "10m"); err != nil {
		return nil, err
	}
	if cfg.StreamReconnectBackoff, err = durationEnv("STREAM_RECONNECT_BACKOFF", "1s"); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = durationEnv("REQUEST_TIMEOUT", "60s"); err != nil {
		return nil, err
	}
	if cfg.StreamTimeout, err = durationEnv("STREAM_TIMEOUT", "5m"); err != nil {
		return nil, err
	}
	if cfg.CacheMaxEntries, err = intEnv("CACHE_MAX_ENTRIES", "512"); err != nil {
		return nil, err
	}
	if cfg.StreamMaxReconnects, err = intEnv("STREAM_MAX_RECONNECTS", "3"); err != nil {
		return nil, err
	}

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	switch cfg.OTELExporterType {
	case "none", "stdout", "otlp":
	default:
		return nil, fmt.Errorf("invalid OTEL_EXPORTER_TYPE %q", cfg.OTELExporterType)
	}

	data := defaultProviders
	if cfg.ProvidersFile != "" {
		data, err = os.ReadFile(cfg.ProvidersFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read PROVIDERS_FILE: %w", err)
		}
	}
	cfg.Providers, err = ParseProviders(data)
	if err != nil {
		return nil, err
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].Timeout == 0 {
			cfg.Providers[i].Timeout = cfg.RequestTimeout
		}
		if cfg.Providers[i].StreamTimeout == 0 {
			cfg.Providers[i].StreamTimeout = cfg.StreamTimeout
		}
	}

	return cfg, nil
}

type providerFile struct {
	Providers []provider.Definition `yaml:"providers"`
}

// ParseProviders reads a provider table. ${VAR} and ${VAR:-default}
// references are expanded from the environment first.
func ParseProviders(data []byte) ([]provider.Definition, error) {
	var f providerFile
	if err := yaml.Unmarshal([]byte(os.Expand(string(data), expand)), &f); err != nil {
		return nil, fmt.Errorf("failed to parse providers: %w", err)
	}
	if len(f.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return f.Providers, nil
}

func expand(name string) string {
	key, fallback, hasDefault := strings.Cut(name, ":-")
	if v, ok := os.LookupEnv(key); ok && (v != "" || !hasDefault) {
		return v
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func durationEnv(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key, fallback string) (int, error) {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
