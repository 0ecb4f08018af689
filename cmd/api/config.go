package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sonzai/livepk/src/domain/battle"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Push     PushConfig     `yaml:"push"`
	Mixer    MixerConfig    `yaml:"mixer"`
	Battle   BattleConfig   `yaml:"battle"`
	Fanout   FanoutConfig   `yaml:"fanout"`
	Outbox   OutboxConfig   `yaml:"outbox"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File enables rotated file output next to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AuthConfig holds the HS256 secrets. User tokens are signed with JWTSecret; the gift pipeline
// signs its score submissions with ServiceSecret.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwtSecret"`
	ServiceSecret string `yaml:"serviceSecret"`
}

// PostgresConfig selects the durable store. An empty DSN keeps records in memory.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the cross-node relay when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PushConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"apiKey"`
}

type MixerConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

type BattleConfig struct {
	Countdown       time.Duration `yaml:"countdown"`
	Rounds          int           `yaml:"rounds"`
	RoundDuration   time.Duration `yaml:"roundDuration"`
	TiePolicy       string        `yaml:"tiePolicy"`
	ScoreThrottle   time.Duration `yaml:"scoreThrottle"`
	InviteTimeout   time.Duration `yaml:"inviteTimeout"`
	InviteRetention time.Duration `yaml:"inviteRetention"`
}

type FanoutConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queueSize"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type OutboxConfig struct {
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

func defaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Mixer: MixerConfig{Timeout: 10 * time.Second},
		Battle: BattleConfig{
			Countdown:       5 * time.Second,
			Rounds:          1,
			RoundDuration:   300 * time.Second,
			TiePolicy:       string(battle.TieDraw),
			ScoreThrottle:   time.Second,
			InviteTimeout:   30 * time.Second,
			InviteRetention: 5 * time.Minute,
		},
		Fanout: FanoutConfig{
			Workers:     4,
			QueueSize:   1024,
			MaxAttempts: 3,
			Backoff:     200 * time.Millisecond,
		},
		Outbox: OutboxConfig{SweepInterval: 10 * time.Second},
	}
}

// loadConfig reads the optional YAML file at path, then applies PKB_* environment overrides.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to unmarshal yaml: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.HTTP.Addr = getEnv("PKB_HTTP_ADDR", c.HTTP.Addr)
	if origins := getEnv("PKB_ALLOWED_ORIGINS", ""); origins != "" {
		c.HTTP.AllowedOrigins = strings.Split(origins, ",")
	}
	c.Log.Level = getEnv("PKB_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("PKB_LOG_FILE", c.Log.File)
	c.Auth.JWTSecret = getEnv("PKB_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.ServiceSecret = getEnv("PKB_SERVICE_SECRET", c.Auth.ServiceSecret)
	c.Postgres.DSN = getEnv("PKB_POSTGRES_DSN", c.Postgres.DSN)
	c.Redis.Addr = getEnv("PKB_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("PKB_REDIS_PASSWORD", c.Redis.Password)
	c.Push.URL = getEnv("PKB_PUSH_URL", c.Push.URL)
	c.Push.APIKey = getEnv("PKB_PUSH_API_KEY", c.Push.APIKey)
	c.Mixer.URL = getEnv("PKB_MIXER_URL", c.Mixer.URL)
	c.Mixer.APIKey = getEnv("PKB_MIXER_API_KEY", c.Mixer.APIKey)
	c.Battle.TiePolicy = getEnv("PKB_TIE_POLICY", c.Battle.TiePolicy)

	var errs []error
	c.Redis.DB = getEnvInt("PKB_REDIS_DB", c.Redis.DB, &errs)
	c.Battle.Rounds = getEnvInt("PKB_ROUNDS", c.Battle.Rounds, &errs)
	c.Battle.Countdown = getEnvDuration("PKB_COUNTDOWN", c.Battle.Countdown, &errs)
	c.Battle.RoundDuration = getEnvDuration("PKB_ROUND_DURATION", c.Battle.RoundDuration, &errs)
	c.Battle.ScoreThrottle = getEnvDuration("PKB_SCORE_THROTTLE", c.Battle.ScoreThrottle, &errs)
	c.Battle.InviteTimeout = getEnvDuration("PKB_INVITE_TIMEOUT", c.Battle.InviteTimeout, &errs)
	c.Outbox.SweepInterval = getEnvDuration("PKB_OUTBOX_SWEEP", c.Outbox.SweepInterval, &errs)
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"battle.roundDuration":   c.Battle.RoundDuration,
		"battle.scoreThrottle":   c.Battle.ScoreThrottle,
		"battle.inviteTimeout":   c.Battle.InviteTimeout,
		"battle.inviteRetention": c.Battle.InviteRetention,
		"fanout.backoff":         c.Fanout.Backoff,
		"outbox.sweepInterval":   c.Outbox.SweepInterval,
		"http.shutdownTimeout":   c.HTTP.ShutdownTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Battle.Countdown < 0 {
		errs = append(errs, errors.New("battle.countdown must not be negative"))
	}
	if c.Battle.Rounds <= 0 {
		errs = append(errs, errors.New("battle.rounds must be positive"))
	}
	if c.Battle.Rounds > 0 && c.Battle.RoundDuration > 0 {
		if err := battle.ValidateOverride(c.Battle.Rounds, c.Battle.RoundDuration); err != nil {
			errs = append(errs, fmt.Errorf("battle: %w", err))
		}
	}
	if err := battle.TiePolicy(c.Battle.TiePolicy).Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Fanout.Workers <= 0 || c.Fanout.MaxAttempts <= 0 {
		errs = append(errs, errors.New("fanout.workers and fanout.maxAttempts must be positive"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwtSecret is required"))
	}
	switch {
	case strings.TrimSpace(c.Auth.ServiceSecret) == "":
		errs = append(errs, errors.New("auth.serviceSecret is required"))
	case c.Auth.ServiceSecret == c.Auth.JWTSecret:
		errs = append(errs, errors.New("auth.serviceSecret must differ from auth.jwtSecret"))
	}
	return errors.Join(errs...)
}

// rules is the battle rules snapshot new battles start from.
func (c BattleConfig) rules() battle.Rules {
	return battle.Rules{
		Rounds:            c.Rounds,
		RoundDuration:     c.RoundDuration,
		CountdownDuration: c.Countdown,
		TiePolicy:         battle.TiePolicy(c.TiePolicy),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}
