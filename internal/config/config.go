package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const insecureJWTSecret = "supersecretkey"

type Config struct {
	Addr           string          `yaml:"addr"`
	JWTSecret      string          `yaml:"jwt_secret"`
	APITimeout     time.Duration   `yaml:"timeout"`
	DatabasePath   string          `yaml:"database_path"`
	MigrateOnStart bool            `yaml:"migrate_on_start"`
	TokenDuration  time.Duration   `yaml:"token_duration"`
	EngineConfig   EngineConfig    `yaml:"engine"`
	Ollama         OllamaConfig    `yaml:"ollama"`
	Storage        StorageConfig   `yaml:"storage"`
	Redis          RedisConfig     `yaml:"redis"`
	Dispatch       DispatchConfig  `yaml:"dispatch"`
	Jobs           JobsConfig      `yaml:"jobs"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// EngineConfig drives the sobriety analyzer. Provider is "ollama" or "mock".
type EngineConfig struct {
	Provider      string         `yaml:"provider"`
	Model         string         `yaml:"model"`
	Template      PromptTemplate `yaml:"template"`
	Timeout       time.Duration  `yaml:"timeout"`
	MinConfidence float64        `yaml:"min_confidence"`
}

type PromptTemplate struct {
	Name          string  `yaml:"name"`
	Version       string  `yaml:"version"`
	Template      string  `yaml:"template"`
	SchemaVersion *string `yaml:"schema_version,omitempty"`
}

type OllamaConfig struct {
	BaseURL                 string        `yaml:"base_url"`
	DefaultModelNames       []string      `yaml:"models"`
	Timeout                 time.Duration `yaml:"timeout"`
	Retries                 int           `yaml:"retries"`
	Backoff                 time.Duration `yaml:"backoff"`
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold"`
	CircuitReset            time.Duration `yaml:"circuit_reset"`
}

// StorageConfig selects where recordings go. Backend is "fs" or "s3".
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// RedisConfig enables the pub/sub publisher when Addr is set; events are
// only logged otherwise.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type DispatchConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type JobsConfig struct {
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
}

type RateLimitConfig struct {
	SubmissionsPerMinute float64 `yaml:"submissions_per_minute"`
	Burst                int     `yaml:"burst"`
}

func LoadConfig(path string) (*Config, error) {
	apiTimeout := 15 * time.Second
	tokenDuration := 1 * time.Hour

	cfg := &Config{
		Addr:          getEnv("SOBER_ADDR", ":8080"),
		JWTSecret:     getEnv("SOBER_JWT_SECRET", insecureJWTSecret),
		APITimeout:    apiTimeout,
		DatabasePath:  getEnv("SOBER_DATABASE_PATH", "sobershift.db"),
		TokenDuration: tokenDuration,
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

// Validate rejects unusable settings and fills defaults for optional sections.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.JWTSecret == insecureJWTSecret && os.Getenv("SOBER_ENV") != "development" {
		return errors.New("jwt_secret uses the insecure default; set SOBER_JWT_SECRET or SOBER_ENV=development")
	}
	if c.APITimeout <= 0 {
		c.APITimeout = 15 * time.Second
	}
	if c.TokenDuration <= 0 {
		c.TokenDuration = time.Hour
	}

	e := &c.EngineConfig
	if e.Provider == "" {
		e.Provider = "ollama"
	}
	switch e.Provider {
	case "ollama":
		if e.Model == "" {
			return errors.New("engine.model is required")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown engine.provider %q", e.Provider)
	}
	if e.Timeout <= 0 {
		e.Timeout = 30 * time.Second
	}
	if e.MinConfidence < 0 || e.MinConfidence > 1 {
		return fmt.Errorf("engine.min_confidence must be within [0,1], got %v", e.MinConfidence)
	}
	if e.Template.Name == "" {
		e.Template.Name = "sobriety"
	}
	if e.Template.Version == "" {
		e.Template.Version = "v1"
	}

	o := &c.Ollama
	if o.BaseURL == "" {
		o.BaseURL = getEnv("OLLAMA_HOST", "http://localhost:11434")
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Retries == 0 {
		o.Retries = 2
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.CircuitFailureThreshold == 0 {
		o.CircuitFailureThreshold = 5
	}
	if o.CircuitReset <= 0 {
		o.CircuitReset = 30 * time.Second
	}
	if len(o.DefaultModelNames) == 0 && e.Model != "" {
		o.DefaultModelNames = []string{e.Model}
	}

	s := &c.Storage
	if s.Backend == "" {
		s.Backend = "fs"
	}
	switch s.Backend {
	case "fs":
		if s.Dir == "" {
			s.Dir = "recordings"
		}
	case "s3":
		if s.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", s.Backend)
	}

	if c.Redis.Channel == "" {
		c.Redis.Channel = "sobershift.events"
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 2
	}
	if c.Jobs.MaxAttempts <= 0 {
		c.Jobs.MaxAttempts = 5
	}
	if c.RateLimit.SubmissionsPerMinute <= 0 {
		c.RateLimit.SubmissionsPerMinute = 6
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 3
	}

	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
