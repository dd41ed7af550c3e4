// Package config loads engine configuration from an optional YAML
// file layered under REFLOW_* environment variables. File values may
// reference environment variables with $NAME / ${NAME} syntax.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "reflow.yaml"
	homeConfigName    = "config.yaml"

	envPrefix = "REFLOW_"
)

// Provider holds the credentials for one LLM provider.
type Provider struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// Observability configures the OTLP trace export.
type Observability struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// Config is the full engine configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	CatalogDSN string `yaml:"catalog_dsn"`
	EventsDSN  string `yaml:"events_dsn"`
	SeedDir    string `yaml:"seed_dir,omitempty"`

	Providers map[string]Provider `yaml:"providers,omitempty"`

	ChatProvider      string `yaml:"chat_provider"`
	ChatModel         string `yaml:"chat_model"`
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`

	RouterTemperature  float64 `yaml:"router_temperature"`
	RouterSeed         int64   `yaml:"router_seed,omitempty"`
	AdapterTemperature float64 `yaml:"adapter_temperature"`
	DetectorThreshold  float64 `yaml:"detector_threshold"`
	DetectorTopK       int     `yaml:"detector_top_k"`

	Observability Observability `yaml:"observability,omitempty"`
}

// Default returns the configuration used when neither a file nor
// environment overrides are present.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		CatalogDSN:         "reflow-catalog.db",
		EventsDSN:          "reflow-events.db",
		ChatProvider:       "openai",
		ChatModel:          "gpt-4o",
		EmbeddingProvider:  "openai",
		EmbeddingModel:     "text-embedding-3-small",
		RouterTemperature:  0,
		AdapterTemperature: 0,
		DetectorThreshold:  0.4,
		DetectorTopK:       5,
	}
}

// Load resolves the config file (explicit path, then ./reflow.yaml,
// then ~/.reflow/config.yaml), merges it over the defaults and applies
// environment overrides. A missing file is fine unless the path was
// explicit.
func Load(explicitPath string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve user home: %w", err)
	}
	return LoadFrom(explicitPath, cwd, homeDir)
}

// LoadFrom is a testable variant of Load.
func LoadFrom(explicitPath, cwd, homeDir string) (Config, error) {
	cfg := Default()

	path, found, err := discoverConfigPath(explicitPath, cwd, homeDir)
	if err != nil {
		return Config{}, err
	}
	if found {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// discoverConfigPath resolves the config location with first-match
// semantics. An explicit path that does not exist is an error.
func discoverConfigPath(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".reflow", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

func mergeFile(cfg *Config, path string) error {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %q: %w", path, err)
	}
	for name, p := range cfg.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		cfg.Providers[name] = p
	}
	cfg.CatalogDSN = os.ExpandEnv(cfg.CatalogDSN)
	cfg.EventsDSN = os.ExpandEnv(cfg.EventsDSN)
	cfg.SeedDir = os.ExpandEnv(cfg.SeedDir)
	return nil
}

// applyEnv overrides individual fields from REFLOW_* variables. The
// OPENAI_API_KEY shortcut installs an "openai" provider when none is
// configured.
func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.CatalogDSN, "CATALOG_DSN")
	setString(&cfg.EventsDSN, "EVENTS_DSN")
	setString(&cfg.SeedDir, "SEED_DIR")
	setString(&cfg.ChatProvider, "CHAT_PROVIDER")
	setString(&cfg.ChatModel, "CHAT_MODEL")
	setString(&cfg.EmbeddingProvider, "EMBEDDING_PROVIDER")
	setString(&cfg.EmbeddingModel, "EMBEDDING_MODEL")
	setFloat(&cfg.RouterTemperature, "ROUTER_TEMPERATURE")
	setInt64(&cfg.RouterSeed, "ROUTER_SEED")
	setFloat(&cfg.AdapterTemperature, "ADAPTER_TEMPERATURE")
	setFloat(&cfg.DetectorThreshold, "DETECTOR_THRESHOLD")
	setInt(&cfg.DetectorTopK, "DETECTOR_TOP_K")
	setBool(&cfg.Observability.Enabled, "OTEL_ENABLED")
	setString(&cfg.Observability.Endpoint, "OTEL_ENDPOINT")
	setString(&cfg.Observability.ServiceName, "OTEL_SERVICE_NAME")

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if _, ok := cfg.Providers["openai"]; !ok {
			if cfg.Providers == nil {
				cfg.Providers = make(map[string]Provider, 1)
			}
			cfg.Providers["openai"] = Provider{APIKey: key}
		}
	}
}

// Validate checks the numeric ranges the engine depends on.
func (c Config) Validate() error {
	if c.RouterTemperature < 0 {
		return fmt.Errorf("router_temperature must be non-negative, got %v", c.RouterTemperature)
	}
	if c.AdapterTemperature < 0 {
		return fmt.Errorf("adapter_temperature must be non-negative, got %v", c.AdapterTemperature)
	}
	if c.DetectorThreshold < 0 || c.DetectorThreshold > 1 {
		return fmt.Errorf("detector_threshold must be in [0,1], got %v", c.DetectorThreshold)
	}
	if c.DetectorTopK <= 0 {
		return fmt.Errorf("detector_top_k must be positive, got %d", c.DetectorTopK)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
