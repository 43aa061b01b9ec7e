// Package config loads server settings from the environment.
package config

import (
	"time"

	jlconfig "github.com/JeremyLoy/config"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
)

var ErrInvalid = eris.New("invalid configuration")

type Config struct {
	Port          string `config:"PORT"`
	LogLevel      string `config:"LOG_LEVEL"`
	LogFormat     string `config:"LOG_FORMAT"`
	JWTSecret     string `config:"JWT_SECRET"`
	UseMocks      bool   `config:"USE_MOCKS"`
	RedisEndpoint string `config:"REDIS_ENDPOINT"`
	AWSRegion     string `config:"AWS_REGION"`
	NATSURL       string `config:"NATS_URL"`
	AllowedOrigin string `config:"ALLOWED_ORIGIN"`

	TickRate             int `config:"TICK_RATE"`
	StartDelayMS         int `config:"START_DELAY_MS"`
	CountdownSeconds     int `config:"COUNTDOWN_SECONDS"`
	ExpansionIntervalMS  int `config:"EXPANSION_INTERVAL_MS"`
	GracePeriodMS        int `config:"GRACE_PERIOD_MS"`
	StatsIntervalSeconds int `config:"STATS_INTERVAL_SECONDS"`
}

func Defaults() Config {
	return Config{
		Port:                 "8080",
		LogLevel:             "info",
		LogFormat:            "json",
		RedisEndpoint:        "localhost:6379",
		TickRate:             60,
		StartDelayMS:         2000,
		CountdownSeconds:     3,
		ExpansionIntervalMS:  15000,
		GracePeriodMS:        30000,
		StatsIntervalSeconds: 30,
	}
}

// Load reads an optional .env file and overlays the environment on Defaults.
func Load(envFiles ...string) (Config, error) {
	// Missing .env is fine, the environment may already be set.
	_ = godotenv.Load(envFiles...)

	cfg := Defaults()
	if err := jlconfig.FromEnv().To(&cfg); err != nil {
		return Config{}, eris.Wrap(err, "read environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	checks := []struct {
		name  string
		value int
	}{
		{"TICK_RATE", c.TickRate},
		{"START_DELAY_MS", c.StartDelayMS},
		{"COUNTDOWN_SECONDS", c.CountdownSeconds},
		{"EXPANSION_INTERVAL_MS", c.ExpansionIntervalMS},
		{"GRACE_PERIOD_MS", c.GracePeriodMS},
		{"STATS_INTERVAL_SECONDS", c.StatsIntervalSeconds},
	}
	for _, chk := range checks {
		if chk.value <= 0 {
			return eris.Wrapf(ErrInvalid, "%s must be positive, got %d", chk.name, chk.value)
		}
	}
	if c.Port == "" {
		return eris.Wrap(ErrInvalid, "PORT is empty")
	}
	if !c.UseMocks && c.AWSRegion == "" {
		return eris.Wrap(ErrInvalid, "AWS_REGION is required unless USE_MOCKS is set")
	}
	return nil
}

func (c Config) StartDelay() time.Duration {
	return time.Duration(c.StartDelayMS) * time.Millisecond
}

func (c Config) ExpansionInterval() time.Duration {
	return time.Duration(c.ExpansionIntervalMS) * time.Millisecond
}

func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMS) * time.Millisecond
}

func (c Config) StatsInterval() time.Duration {
	return time.Duration(c.StatsIntervalSeconds) * time.Second
}
