// Package config loads the proxy configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/classify"
	"github.com/Sternrassler/offline-proxy/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendRedis   = "redis"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Config is the complete proxy configuration.
type Config struct {
	App          AppConfig          `yaml:"app"`
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Fetch        FetchConfig        `yaml:"fetch"`
	Preload      PreloadConfig      `yaml:"preload"`
	Strategy     StrategyConfig     `yaml:"strategy"`
	Classify     ClassifyConfig     `yaml:"classify"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Notify       NotifyConfig       `yaml:"notify"`
	Log          LogConfig          `yaml:"log"`
}

// AppConfig describes the application whose traffic is proxied.
type AppConfig struct {
	BaseURL          string   `yaml:"base_url"`
	Version          string   `yaml:"version"`
	Prefix           string   `yaml:"prefix"`
	Shell            string   `yaml:"shell"`
	SkipWaiting      bool     `yaml:"skip_waiting"`
	StaticManifest   []string `yaml:"static_manifest"`
	ExternalManifest []string `yaml:"external_manifest"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the tier backend.
type StorageConfig struct {
	Backend          string `yaml:"backend"`
	RedisURL         string `yaml:"redis_url"`
	Namespace        string `yaml:"namespace"`
	LevelDBPath      string `yaml:"leveldb_path"`
	MemoryMaxEntries int    `yaml:"memory_max_entries"`
}

// FetchConfig configures origin fetches.
type FetchConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	UserAgent       string        `yaml:"user_agent"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// PreloadConfig configures install-time population.
type PreloadConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StrategyConfig configures the strategy engine.
type StrategyConfig struct {
	OfflineMessage    string        `yaml:"offline_message"`
	MaxBackground     int           `yaml:"max_background"`
	BackgroundTimeout time.Duration `yaml:"background_timeout"`
}

// RuleConfig declares one classification rule.
type RuleConfig struct {
	Class string `yaml:"class"`
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
}

// ClassifyConfig lists classification rules. Empty means the built-in rules.
type ClassifyConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

// ConnectivityConfig configures offline detection.
type ConnectivityConfig struct {
	OfflineThreshold int `yaml:"offline_threshold"`
}

// NotifyConfig configures client messaging.
type NotifyConfig struct {
	ClientBuffer    int    `yaml:"client_buffer"`
	PushTitle       string `yaml:"push_title"`
	PushDefaultBody string `yaml:"push_default_body"`
	PushIcon        string `yaml:"push_icon"`
	PushTag         string `yaml:"push_tag"`
	RestoredMessage string `yaml:"restored_message"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Version:     "1",
			Prefix:      "offline-app",
			Shell:       "./index.html",
			SkipWaiting: true,
			StaticManifest: []string{
				"./",
				"./index.html",
				"./manifest.json",
			},
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Backend:          BackendRedis,
			RedisURL:         "localhost:6379",
			Namespace:        "offline",
			LevelDBPath:      "./data/tiers",
			MemoryMaxEntries: 1000,
		},
		Fetch: FetchConfig{
			Timeout:         10 * time.Second,
			UserAgent:       "offline-proxy/1.0",
			MaxAttempts:     2,
			InitialBackoff:  200 * time.Millisecond,
			MaxBackoff:      2 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Preload: PreloadConfig{
			Concurrency: 4,
			Timeout:     15 * time.Second,
		},
		Strategy: StrategyConfig{
			OfflineMessage:    "You are offline. Showing cached data.",
			MaxBackground:     32,
			BackgroundTimeout: 30 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			OfflineThreshold: 3,
		},
		Notify: NotifyConfig{
			ClientBuffer:    16,
			PushTitle:       "Update",
			PushDefaultBody: "New content is available",
			PushIcon:        "./icon-192.png",
			PushTag:         "offline-proxy",
			RestoredMessage: "Connection restored. Syncing data...",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the file at path, applies environment overrides and validates
// the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. ${VAR} references are expanded from
// the environment first; unset variables are kept verbatim.
func Parse(data []byte) (*Config, error) {
	expanded := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies the REDIS_URL, PORT, LOG_LEVEL and APP_VERSION overrides.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Storage.RedisURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		c.App.Version = v
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	u, err := url.Parse(c.App.BaseURL)
	if c.App.BaseURL == "" || err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("app.base_url must be an absolute URL (got %q)", c.App.BaseURL)
	}
	if c.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}
	if c.App.Prefix == "" {
		return fmt.Errorf("app.prefix is required")
	}
	if c.App.Shell == "" {
		return fmt.Errorf("app.shell is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port)
	}

	switch c.Storage.Backend {
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
	case BackendLevelDB:
		if c.Storage.LevelDBPath == "" {
			return fmt.Errorf("storage.leveldb_path is required for the leveldb backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of redis, leveldb, memory (got %q)", c.Storage.Backend)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be >= 1 (got %d)", c.Fetch.MaxAttempts)
	}
	if c.Preload.Concurrency < 1 {
		return fmt.Errorf("preload.concurrency must be >= 1 (got %d)", c.Preload.Concurrency)
	}
	if c.Strategy.MaxBackground < 1 {
		return fmt.Errorf("strategy.max_background must be >= 1 (got %d)", c.Strategy.MaxBackground)
	}

	if _, err := c.Rules(); err != nil {
		return err
	}
	return nil
}

// Rules compiles the classification rules.
func (c *Config) Rules() ([]classify.Rule, error) {
	if len(c.Classify.Rules) == 0 {
		return classify.DefaultRules(), nil
	}
	rules := make([]classify.Rule, 0, len(c.Classify.Rules))
	for i, r := range c.Classify.Rules {
		class := classify.Class(r.Class)
		if class != classify.RealtimeBackend && class != classify.Accelerator {
			return nil, fmt.Errorf("classify.rules[%d].class must be realtime_backend or accelerator (got %q)", i, r.Class)
		}
		m, err := classify.NewMatcher(classify.MatchKind(r.Kind), r.Value)
		if err != nil {
			return nil, fmt.Errorf("classify.rules[%d]: %w", i, err)
		}
		rules = append(rules, classify.Rule{Class: class, Matcher: m})
	}
	return rules, nil
}
