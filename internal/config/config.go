package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	TransportHTTP      = "http"
	TransportWebSocket = "ws"

	EnvConfigFile = "UNINAVIGATOR_CONFIG"
	EnvBaseURL    = "UNINAVIGATOR_API_BASE_URL"
	EnvStorage    = "UNINAVIGATOR_STORAGE"
	EnvRedisAddr  = "UNINAVIGATOR_REDIS_ADDR"
	EnvRedisDB    = "UNINAVIGATOR_REDIS_DB"
)

// Config holds application configuration
type Config struct {
	APIBaseURL string `yaml:"api_base_url"`
	Transport  string `yaml:"transport"`   // http or ws
	Stream     bool   `yaml:"stream"`      // false uses the non-streaming endpoint
	WSURL      string `yaml:"ws_url"`      // derived from APIBaseURL when empty
	Language   string `yaml:"language"`    // en, si or ta; overrides the stored preference
	Debug      bool   `yaml:"debug"`
	LogDir     string `yaml:"log_dir"`
	Telemetry  bool   `yaml:"telemetry"`

	Storage Storage `yaml:"storage"`
}

// Storage selects the durable key-value backend
type Storage struct {
	Backend   string `yaml:"backend"` // sqlite, bolt, redis or memory
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		APIBaseURL: "http://127.0.0.1:8000/api/v1",
		Transport:  TransportHTTP,
		Stream:     true,
		LogDir:     "logs",
		Telemetry:  true,
		Storage: Storage{
			Backend:   "sqlite",
			Path:      "uninavigator.db",
			RedisAddr: "localhost:6379",
			Namespace: "uninavigator",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if any)
// and environment overrides. A missing file at the default location is not
// an error; a missing file that was asked for explicitly is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigFile)
		explicit = path != ""
	}
	if !explicit {
		path = "uninavigator.yaml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv(EnvStorage); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv(EnvRedisDB); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRedisDB, err)
		}
		c.Storage.RedisDB = db
	}
	return nil
}

// Validate checks enumerated fields
func (c Config) Validate() error {
	switch c.Transport {
	case TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport: %s", c.Transport)
	}
	switch c.Storage.Backend {
	case "sqlite", "bolt", "redis", "memory":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	switch c.Language {
	case "", "en", "si", "ta":
	default:
		return fmt.Errorf("unsupported language: %s", c.Language)
	}
	if c.Transport == TransportWebSocket && !c.Stream {
		return errors.New("transport ws requires stream: true")
	}
	if c.APIBaseURL == "" {
		return errors.New("api_base_url must not be empty")
	}
	return nil
}
