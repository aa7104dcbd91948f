package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		AuthToken string `yaml:"authToken"`
	} `yaml:"server"`

	Model struct {
		APIKey  string `yaml:"apiKey"`
		Model   string `yaml:"model"`
		BaseURL string `yaml:"baseUrl"`
	} `yaml:"model"`

	Store struct {
		Backend  string `yaml:"backend"` // sqlite or redis
		Path     string `yaml:"path"`
		RedisURL string `yaml:"redisUrl"`
	} `yaml:"store"`

	Memory struct {
		Path string `yaml:"path"`
	} `yaml:"memory"`

	Workflow struct {
		MaxIterations int    `yaml:"maxIterations"`
		SuspendTTL    string `yaml:"suspendTtl"`
		ExpireAction  string `yaml:"expireAction"` // notify or ignore
	} `yaml:"workflow"`

	Runtime struct {
		Concurrency   int    `yaml:"concurrency"`
		SweepInterval string `yaml:"sweepInterval"`
	} `yaml:"runtime"`
}

// Load reads the YAML config file, layers .env on top of the process
// environment, and lets environment variables override file values.
// path may be empty, in which case only env and defaults apply.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if strings.TrimSpace(path) != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
		}
		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q: %w", absPath, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	overrideString(&c.Server.Addr, "INBOXFLOW_ADDR")
	overrideString(&c.Server.AuthToken, "INBOXFLOW_AUTH_TOKEN")
	overrideString(&c.Model.APIKey, "OPENAI_API_KEY")
	overrideString(&c.Model.Model, "INBOXFLOW_MODEL")
	overrideString(&c.Model.BaseURL, "INBOXFLOW_MODEL_BASE_URL")
	overrideString(&c.Store.Backend, "INBOXFLOW_STORE_BACKEND")
	overrideString(&c.Store.Path, "INBOXFLOW_STORE_PATH")
	overrideString(&c.Store.RedisURL, "INBOXFLOW_REDIS_URL")
	overrideString(&c.Memory.Path, "INBOXFLOW_MEMORY_PATH")
	overrideInt(&c.Workflow.MaxIterations, "INBOXFLOW_MAX_ITERATIONS")
	overrideString(&c.Workflow.SuspendTTL, "INBOXFLOW_SUSPEND_TTL")
	overrideString(&c.Workflow.ExpireAction, "INBOXFLOW_EXPIRE_ACTION")
	overrideInt(&c.Runtime.Concurrency, "INBOXFLOW_CONCURRENCY")
	overrideString(&c.Runtime.SweepInterval, "INBOXFLOW_SWEEP_INTERVAL")
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/inboxflow.db"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "data/memory.db"
	}
	if c.Workflow.MaxIterations <= 0 {
		c.Workflow.MaxIterations = 10
	}
	if c.Workflow.SuspendTTL == "" {
		c.Workflow.SuspendTTL = "5m"
	}
	if c.Workflow.ExpireAction == "" {
		c.Workflow.ExpireAction = "notify"
	}
	if c.Runtime.Concurrency <= 0 {
		c.Runtime.Concurrency = 4
	}
	if c.Runtime.SweepInterval == "" {
		c.Runtime.SweepInterval = "1m"
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.RedisURL == "" {
		return fmt.Errorf("redis store backend requires a redis url")
	}
	switch c.Workflow.ExpireAction {
	case "notify", "ignore":
	default:
		return fmt.Errorf("expire action must be notify or ignore, got %q", c.Workflow.ExpireAction)
	}
	if _, err := time.ParseDuration(c.Workflow.SuspendTTL); err != nil {
		return fmt.Errorf("invalid suspend ttl: %w", err)
	}
	if _, err := time.ParseDuration(c.Runtime.SweepInterval); err != nil {
		return fmt.Errorf("invalid sweep interval: %w", err)
	}
	return nil
}

func (c *Config) SuspendTTL() time.Duration {
	d, _ := time.ParseDuration(c.Workflow.SuspendTTL)
	return d
}

func (c *Config) SweepInterval() time.Duration {
	d, _ := time.ParseDuration(c.Runtime.SweepInterval)
	return d
}

func overrideString(target *string, key string) {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		*target = raw
	}
}

func overrideInt(target *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if value, err := strconv.Atoi(raw); err == nil {
		*target = value
	}
}
