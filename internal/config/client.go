package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Answer store backends for the CLI.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// ClientConfig configures the participant and proctor clients.
type ClientConfig struct {
	APIBaseURL      string        `yaml:"api_base_url"`
	APIToken        string        `yaml:"api_token"`
	AnswerStore     string        `yaml:"answer_store"`
	AnswerStorePath string        `yaml:"answer_store_path"`
	RedisURL        string        `yaml:"redis_url"`
	MonitorPoll     time.Duration `yaml:"-"`
	ParticipantPoll time.Duration `yaml:"-"`
	FlushWait       time.Duration `yaml:"-"`
	HTTPTimeout     time.Duration `yaml:"-"`
	AutoEndOnZero   bool          `yaml:"-"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	JWTSecret       string        `yaml:"jwt_secret"`
}

// clientFile mirrors the YAML overlay; durations are given in seconds.
type clientFile struct {
	ClientConfig           `yaml:",inline"`
	MonitorPollSeconds     *int  `yaml:"monitor_poll_seconds"`
	ParticipantPollSeconds *int  `yaml:"participant_poll_seconds"`
	FlushWaitSeconds       *int  `yaml:"flush_wait_seconds"`
	HTTPTimeoutSeconds     *int  `yaml:"http_timeout_seconds"`
	AutoEndOnZero          *bool `yaml:"auto_end_on_zero"`
}

// LoadClient reads the client configuration from the environment (and .env),
// then overlays the YAML file at path when path is not empty.
func LoadClient(path string) (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		APIBaseURL:      getEnv("API_BASE_URL", "http://localhost:8080"),
		APIToken:        os.Getenv("API_TOKEN"),
		AnswerStore:     getEnv("ANSWER_STORE", StoreSQLite),
		AnswerStorePath: getEnv("ANSWER_STORE_PATH", "exstem-answers.db"),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/1"),
		MonitorPoll:     time.Duration(getEnvInt("MONITOR_POLL_SECONDS", 10)) * time.Second,
		ParticipantPoll: time.Duration(getEnvInt("PARTICIPANT_POLL_SECONDS", 0)) * time.Second,
		FlushWait:       time.Duration(getEnvInt("FLUSH_WAIT_SECONDS", 5)) * time.Second,
		HTTPTimeout:     time.Duration(getEnvInt("HTTP_TIMEOUT_SECONDS", 10)) * time.Second,
		AutoEndOnZero:   getEnvBool("AUTO_END_ON_ZERO", true),
		LogLevel:        getEnv("LOG_LEVEL", "warn"),
		LogFormat:       getEnv("LOG_FORMAT", "auto"),
		JWTSecret:       getEnv("JWT_SECRET", "change-this-to-a-secure-random-string"),
	}

	if path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayFile(cfg *ClientConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f clientFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.APIBaseURL, f.APIBaseURL)
	setString(&cfg.APIToken, f.APIToken)
	setString(&cfg.AnswerStore, f.AnswerStore)
	setString(&cfg.AnswerStorePath, f.AnswerStorePath)
	setString(&cfg.RedisURL, f.RedisURL)
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.LogFormat, f.LogFormat)
	setString(&cfg.JWTSecret, f.JWTSecret)
	setSeconds(&cfg.MonitorPoll, f.MonitorPollSeconds)
	setSeconds(&cfg.ParticipantPoll, f.ParticipantPollSeconds)
	setSeconds(&cfg.FlushWait, f.FlushWaitSeconds)
	setSeconds(&cfg.HTTPTimeout, f.HTTPTimeoutSeconds)
	if f.AutoEndOnZero != nil {
		cfg.AutoEndOnZero = *f.AutoEndOnZero
	}
	return nil
}

// Validate rejects settings the clients cannot run with.
func (c *ClientConfig) Validate() error {
	switch c.AnswerStore {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("answer_store: unknown backend %q", c.AnswerStore)
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("api_base_url: required")
	}
	if c.MonitorPoll <= 0 {
		return fmt.Errorf("monitor_poll_seconds: must be positive")
	}
	if c.ParticipantPoll < 0 {
		return fmt.Errorf("participant_poll_seconds: must not be negative")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setSeconds(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Second
	}
}
