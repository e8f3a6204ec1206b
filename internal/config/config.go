package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. LIVEQUIZ_REDIS_ADDR.
const EnvPrefix = "LIVEQUIZ"

type Config struct {
	Server   Server   `yaml:"server"`
	Log      Log      `yaml:"log"`
	Redis    Redis    `yaml:"redis"`
	Postgres Postgres `yaml:"postgres"`
	Cache    Cache    `yaml:"cache"`
	Scoring  Scoring  `yaml:"scoring"`
	Session  Session  `yaml:"session"`
	Flush    Flush    `yaml:"flush"`
	Kafka    Kafka    `yaml:"kafka"`
}

type Server struct {
	Port            string `yaml:"port"`
	ShutdownTimeout string `yaml:"shutdown_timeout" split_words:"true"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      string `yaml:"ttl"` // lifetime of per-game keys after the last write
}

type Postgres struct {
	URL string `yaml:"url"`
}

type Cache struct {
	GameTTL string `yaml:"game_ttl" split_words:"true"`
}

type Scoring struct {
	BasePoints       int     `yaml:"base_points" split_words:"true"`
	MinPointsRatio   float64 `yaml:"min_points_ratio" split_words:"true"`
	DefaultTimeLimit string  `yaml:"default_time_limit" split_words:"true"`
	PartialCredit    bool    `yaml:"partial_credit" split_words:"true"`
}

type Session struct {
	TimerTick        string `yaml:"timer_tick" split_words:"true"`
	StoreRetries     int    `yaml:"store_retries" split_words:"true"`
	SubscriberBuffer int    `yaml:"subscriber_buffer" split_words:"true"`
	LeaderboardSize  int    `yaml:"leaderboard_size" split_words:"true"`
	EndFlushTimeout  string `yaml:"end_flush_timeout" split_words:"true"`
}

type Flush struct {
	Interval string `yaml:"interval"`
	Retries  int    `yaml:"retries"`
}

type Kafka struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id" split_words:"true"`
}

// Default returns the settings used when no file is present.
func Default() Config {
	return Config{
		Server:  Server{Port: "8080", ShutdownTimeout: "10s"},
		Log:     Log{Level: "info", Format: "json"},
		Redis:   Redis{TTL: "24h"},
		Cache:   Cache{GameTTL: "10m"},
		Scoring: Scoring{BasePoints: 1000, MinPointsRatio: 0.5, DefaultTimeLimit: "30s"},
		Session: Session{
			TimerTick:        "1s",
			StoreRetries:     3,
			SubscriberBuffer: 16,
			LeaderboardSize:  10,
			EndFlushTimeout:  "5s",
		},
		Flush: Flush{Interval: "5s", Retries: 3},
		Kafka: Kafka{Topic: "quiz.events", ClientID: "live-quiz-service"},
	}
}

// Load reads YAML config from path on top of Default and applies
// LIVEQUIZ_* environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, nil
}

// DurationOr parses a duration string or returns the fallback if empty or invalid.
func DurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
