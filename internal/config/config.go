// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/org/msgarchive/internal/crypto"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read when MSGARCHIVE_CONFIG is unset.
const DefaultFile = "config.yaml"

type Config struct {
	ListenAddr    string          `yaml:"listen_addr"`
	LogLevel      string          `yaml:"log_level"`
	LogFormat     string          `yaml:"log_format"` // console or json
	WebhookSecret string          `yaml:"webhook_secret"`
	Storage       StorageConfig   `yaml:"storage"`
	KMS           KMSConfig       `yaml:"kms"`
	Telegram      TelegramConfig  `yaml:"telegram"`
	Retrieval     RetrievalConfig `yaml:"retrieval"`
	Retry         RetryConfig     `yaml:"retry"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"` // postgres or memory
	DatabaseURL string `yaml:"database_url"`
}

type KMSConfig struct {
	Provider  string        `yaml:"provider"` // aws or local
	Key       string        `yaml:"key"`
	Region    string        `yaml:"region"`
	Endpoint  string        `yaml:"endpoint"`
	Timeout   time.Duration `yaml:"timeout"`
	LocalSeed string        `yaml:"local_seed"`
}

type TelegramConfig struct {
	Sender  string        `yaml:"sender"` // bot or recording
	Token   string        `yaml:"token"`
	APIBase string        `yaml:"api_base"`
	Timeout time.Duration `yaml:"timeout"`
}

type RetrievalConfig struct {
	DefaultLimit  int    `yaml:"default_limit"`
	MaxLimit      int    `yaml:"max_limit"`
	BatchSize     int    `yaml:"batch_size"`
	MaxBatchSize  int    `yaml:"max_batch_size"`
	DecryptPolicy string `yaml:"decrypt_policy"` // best_effort or strict
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// RateLimitConfig bounds requests per client on the message routes. An RPS
// of 0 disables limiting. TrustProxy keys clients by X-Forwarded-For.
type RateLimitConfig struct {
	RPS        float64 `yaml:"rps"`
	Burst      int     `yaml:"burst"`
	TrustProxy bool    `yaml:"trust_proxy"`
}

// Default returns the configuration used for any field the file and
// environment leave unset.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		LogFormat:  "console",
		Storage:    StorageConfig{Backend: "postgres"},
		KMS:        KMSConfig{Provider: "aws", Timeout: 10 * time.Second},
		Telegram:   TelegramConfig{Sender: "bot", Timeout: 10 * time.Second},
		Retrieval: RetrievalConfig{
			DefaultLimit:  100,
			MaxLimit:      1000,
			BatchSize:     500,
			MaxBatchSize:  5000,
			DecryptPolicy: "best_effort",
		},
		Retry:     RetryConfig{MaxAttempts: 3},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
	}
}

// Load reads path and applies environment overrides. A missing file is not
// an error; found reports whether it existed.
func Load(path string) (cfg Config, found bool, err error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, bool, error) {
	cfg := Default()
	found := false
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		found = true
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, found, fmt.Errorf("parsing %s: %w", path, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, found, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg.applyEnv(getenv)
	return cfg, found, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		c.ListenAddr = ":" + v
	}
	if v := getenv("MSGARCHIVE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
	}
	if v := getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := getenv("WEBHOOK_SECRET"); v != "" {
		c.WebhookSecret = v
	}
	if v := getenv("TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := getenv("KMS_PROVIDER"); v != "" {
		c.KMS.Provider = v
	}
	if v := getenv("MSGARCHIVE_LOCAL_SEED"); v != "" {
		c.KMS.LocalSeed = v
	}

	switch c.KMS.Provider {
	case "aws":
		if v := getenv("KMS_KEY_ID"); v != "" {
			c.KMS.Key = v
		}
	case "local":
		// Assemble a key reference from its parts when none is configured.
		if c.KMS.Key == "" && getenv("GCP_PROJECT_ID") != "" {
			c.KMS.Key = crypto.KeyReference{
				Project:  getenv("GCP_PROJECT_ID"),
				Location: orDefault(getenv("KMS_LOCATION"), "global"),
				KeyRing:  orDefault(getenv("KMS_KEY_RING"), "telegram-messages"),
				Key:      orDefault(getenv("KMS_KEY_ID"), "message-key"),
			}.String()
		}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Validate reports every problem that would stop the server from starting.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must be set"))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: want console or json", c.LogFormat))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("webhook_secret must be configured (or WEBHOOK_SECRET env var)"))
	}

	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url must be configured (or DATABASE_URL env var)"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want postgres or memory", c.Storage.Backend))
	}

	switch c.KMS.Provider {
	case "aws":
		if c.KMS.Key == "" {
			errs = append(errs, errors.New("kms.key must be configured (or KMS_KEY_ID env var)"))
		}
	case "local":
		if _, err := crypto.ParseKeyReference(c.KMS.Key); err != nil {
			errs = append(errs, fmt.Errorf("kms.key: %w", err))
		}
		if len(c.KMS.LocalSeed) < 16 {
			errs = append(errs, errors.New("kms.local_seed must be at least 16 bytes"))
		}
	default:
		errs = append(errs, fmt.Errorf("kms.provider %q: want aws or local", c.KMS.Provider))
	}

	switch c.Telegram.Sender {
	case "bot":
		if c.Telegram.Token == "" {
			errs = append(errs, errors.New("telegram.token must be configured (or TELEGRAM_TOKEN env var)"))
		}
	case "recording":
	default:
		errs = append(errs, fmt.Errorf("telegram.sender %q: want bot or recording", c.Telegram.Sender))
	}

	r := c.Retrieval
	if r.DefaultLimit <= 0 || r.MaxLimit < r.DefaultLimit {
		errs = append(errs, fmt.Errorf("retrieval limits: default %d, max %d", r.DefaultLimit, r.MaxLimit))
	}
	if r.BatchSize <= 0 || r.MaxBatchSize < r.BatchSize {
		errs = append(errs, fmt.Errorf("retrieval batch sizes: default %d, max %d", r.BatchSize, r.MaxBatchSize))
	}
	if r.DecryptPolicy != "best_effort" && r.DecryptPolicy != "strict" {
		errs = append(errs, fmt.Errorf("retrieval.decrypt_policy %q: want best_effort or strict", r.DecryptPolicy))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	return errors.Join(errs...)
}
