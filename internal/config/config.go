package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// InsecureJWTSecret is the built-in development secret. It is rejected outside development.
const InsecureJWTSecret = "supersecretkey"

type Config struct {
	Addr          string          `yaml:"addr"`
	Env           string          `yaml:"env"`
	JWTSecret     string          `yaml:"jwt_secret"`
	APITimeout    time.Duration   `yaml:"timeout"`
	TokenDuration time.Duration   `yaml:"token_duration"`
	Database      DatabaseConfig  `yaml:"database"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Jobs          JobsConfig      `yaml:"jobs"`
	Webhooks      WebhooksConfig  `yaml:"webhooks"`
	CORSOrigins   []string        `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// RedisAddr switches the limiter to Redis when set.
	RedisAddr  string        `yaml:"redis_addr"`
	Window     time.Duration `yaml:"window"`
	AgentLimit int           `yaml:"agent_limit"`
	UserLimit  int           `yaml:"user_limit"`
}

type JobsConfig struct {
	Workers           int           `yaml:"workers"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type WebhooksConfig struct {
	Enabled bool `yaml:"enabled"`
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration `yaml:"timeout"`
	// AllowPrivate admits loopback and private receivers. Development only.
	AllowPrivate bool `yaml:"allow_private"`
}

// LoadConfig builds the configuration from defaults, an optional .env file,
// TERRACE_* environment variables and finally the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Addr:          getEnv("TERRACE_ADDR", ":8080"),
		Env:           getEnv("TERRACE_ENV", "development"),
		JWTSecret:     getEnv("TERRACE_JWT_SECRET", InsecureJWTSecret),
		APITimeout:    15 * time.Second,
		TokenDuration: 24 * time.Hour,
		Database: DatabaseConfig{
			Driver: getEnv("TERRACE_DB_DRIVER", "sqlite"),
			DSN:    getEnv("TERRACE_DB_DSN", "terrace.db"),
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			RedisAddr:  getEnv("TERRACE_REDIS_ADDR", ""),
			Window:     time.Minute,
			AgentLimit: 60,
			UserLimit:  30,
		},
		Jobs: JobsConfig{
			Workers:           2,
			ReconcileInterval: time.Hour,
		},
		Webhooks: WebhooksConfig{
			Timeout: 5 * time.Second,
		},
	}

	var err error
	if cfg.APITimeout, err = getEnvDuration("TERRACE_TIMEOUT", cfg.APITimeout); err != nil {
		return nil, err
	}
	if cfg.TokenDuration, err = getEnvDuration("TERRACE_TOKEN_DURATION", cfg.TokenDuration); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Enabled, err = getEnvBool("TERRACE_RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled); err != nil {
		return nil, err
	}
	if cfg.Jobs.Workers, err = getEnvInt("TERRACE_JOB_WORKERS", cfg.Jobs.Workers); err != nil {
		return nil, err
	}
	if cfg.Webhooks.Enabled, err = getEnvBool("TERRACE_WEBHOOKS_ENABLED", cfg.Webhooks.Enabled); err != nil {
		return nil, err
	}
	if cfg.Webhooks.AllowPrivate, err = getEnvBool("TERRACE_WEBHOOKS_ALLOW_PRIVATE", cfg.Webhooks.AllowPrivate); err != nil {
		return nil, err
	}
	if origins := getEnv("TERRACE_CORS_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks the configuration is usable for the selected environment.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.Env != "development" && (c.JWTSecret == "" || c.JWTSecret == InsecureJWTSecret) {
		return fmt.Errorf("jwt_secret must be set to a strong value when env is %q", c.Env)
	}
	if c.APITimeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.TokenDuration <= 0 {
		return errors.New("token_duration must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn must not be empty")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			return errors.New("rate_limit.window must be positive")
		}
		if c.RateLimit.AgentLimit <= 0 || c.RateLimit.UserLimit <= 0 {
			return errors.New("rate_limit limits must be positive")
		}
	}
	if c.Jobs.Workers < 0 {
		return errors.New("jobs.workers must not be negative")
	}
	if c.Webhooks.Enabled && c.Webhooks.Timeout <= 0 {
		return errors.New("webhooks.timeout must be positive")
	}
	if c.Webhooks.AllowPrivate && c.Env != "development" {
		return fmt.Errorf("webhooks.allow_private is only allowed in development, env is %q", c.Env)
	}

	return nil
}

// IsDevelopment reports whether the server runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
