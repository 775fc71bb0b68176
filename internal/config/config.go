package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Redis       RedisConfig       `json:"redis"`
	Completion  CompletionConfig  `json:"completion"`
	Session     SessionConfig     `json:"session"`
	Worker      WorkerConfig      `json:"worker"`
	Transcripts TranscriptsConfig `json:"transcripts"`
	Log         LogConfig         `json:"log"`
}

type ServerConfig struct {
	Address string `json:"address" env:"SERVER_ADDRESS" env-default:":8090"`
}

// DatabaseConfig selects the document store. Driver is one of mongo, sqlite3, mysql.
type DatabaseConfig struct {
	Driver               string `json:"driver" env:"DB_DRIVER" env-default:"mongo"`
	URL                  string `json:"url" env:"MONGO_URL"`
	Name                 string `json:"name" env:"MONGO_DB" env-default:"Football_ChatBot"`
	TranscriptCollection string `json:"transcript_collection" env:"MONGO_COLLECTION" env-default:"Chat_ids"`
	AccountCollection    string `json:"account_collection" env:"MONGO_USER_COLLECTION" env-default:"users"`
	DSN                  string `json:"dsn" env:"DB_DSN"`
}

type RedisConfig struct {
	Host     string `json:"host" env:"REDIS_HOST"`
	Port     int    `json:"port" env:"REDIS_PORT" env-default:"6379"`
	Username string `json:"username" env:"REDIS_USERNAME"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

// Enabled reports whether a redis host was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

type CompletionConfig struct {
	Provider     string   `json:"provider" env:"LLM_PROVIDER" env-default:"groq"`
	APIKey       string   `json:"api_key" env:"GROQ_API_KEY"`
	BaseURL      string   `json:"base_url" env:"LLM_BASE_URL"`
	Model        string   `json:"model" env:"LLM_MODEL" env-default:"meta-llama/llama-4-maverick-17b-128e-instruct"`
	Temperature  float32  `json:"temperature" env:"LLM_TEMPERATURE" env-default:"1"`
	TopP         float32  `json:"top_p" env:"LLM_TOP_P" env-default:"1"`
	MaxTokens    int      `json:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"256"`
	Timeout      Duration `json:"timeout" env:"LLM_TIMEOUT" env-default:"2m"`
	SystemPrompt string   `json:"system_prompt" env:"LLM_SYSTEM_PROMPT" env-default:"you are a chatbot, you provide brief, structured, evidence-based sports health guidance using HTML tags for formatting."`
}

type SessionConfig struct {
	Secret     string   `json:"secret" env:"SECRET_KEY"`
	CookieName string   `json:"cookie_name" env:"SESSION_COOKIE" env-default:"session"`
	TTL        Duration `json:"ttl" env:"SESSION_TTL" env-default:"24h"`
	CSRF       bool     `json:"csrf" env:"SESSION_CSRF" env-default:"false"`
}

type WorkerConfig struct {
	Workers   int `json:"workers" env:"WORKER_COUNT" env-default:"8"`
	QueueSize int `json:"queue_size" env:"WORKER_QUEUE_SIZE" env-default:"64"`
}

type TranscriptsConfig struct {
	SweepInterval Duration `json:"sweep_interval" env:"TRANSCRIPT_SWEEP_INTERVAL" env-default:"1m"`
	StaleAfter    Duration `json:"stale_after" env:"TRANSCRIPT_STALE_AFTER" env-default:"10m"`
}

type LogConfig struct {
	Level string `json:"level" env:"LOG_LEVEL" env-default:"info"`
}

// Load reads configuration from the optional JSON file at path, then from the
// environment. A .env file in the working directory is honoured when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := cleanenv.ReadConfig(absPath, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the options the service cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Session.Secret) == "" {
		errs = append(errs, errors.New("SECRET_KEY must be configured"))
	}
	if strings.TrimSpace(c.Completion.APIKey) == "" {
		errs = append(errs, errors.New("GROQ_API_KEY must be configured"))
	}
	switch strings.ToLower(c.Database.Driver) {
	case "mongo", "mongodb":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("MONGO_URL must be configured"))
		}
		if c.Database.Name == "" || c.Database.TranscriptCollection == "" || c.Database.AccountCollection == "" {
			errs = append(errs, errors.New("mongo database and collection names must be configured"))
		}
	case "sqlite", "sqlite3", "mysql":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("DB_DSN must be configured"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver: %q", c.Database.Driver))
	}
	if c.Worker.Workers <= 0 {
		errs = append(errs, errors.New("worker count must be positive"))
	}
	if stale, timeout := c.Transcripts.StaleAfter.Duration(), c.Completion.Timeout.Duration(); stale > 0 && stale < 2*timeout {
		errs = append(errs, fmt.Errorf("transcripts.stale_after (%s) must be at least twice completion.timeout (%s)", stale, timeout))
	}
	return errors.Join(errs...)
}
