package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultFeedURL = "https://github.com/caddyserver/caddy/releases.atom"

type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	History HistoryConfig `yaml:"history"`
	Lock    LockConfig    `yaml:"lock"`
	Log     LogConfig     `yaml:"log"`
}

type FeedConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// HistoryConfig driver 为空时不记录运行历史
type HistoryConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres mysql"`
	DSN    string `yaml:"dsn" validate:"required_with=Driver"`
}

type LockConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=local redis"`
	RedisAddr string        `yaml:"redis_addr" validate:"required_if=Backend redis"`
	Key       string        `yaml:"key"`
	TTL       time.Duration `yaml:"ttl" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

func Default() Config {
	return Config{
		Feed: FeedConfig{
			URL:     DefaultFeedURL,
			Timeout: 30 * time.Second,
		},
		Lock: LockConfig{
			Backend: "local",
			TTL:     10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 默认值 <- yaml 文件 <- SW_* 环境变量, 文件不存在时忽略
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, errors.WithMessagef(err, "read config %s failed", path)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WithMessagef(err, "parse config %s failed", path)
		}
	}

	if v := env("SW_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := env("SW_FEED_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Feed.Timeout = parsed
		}
	}
	if v := env("SW_HISTORY_DRIVER"); v != "" {
		cfg.History.Driver = v
	}
	if v := env("SW_HISTORY_DSN"); v != "" {
		cfg.History.DSN = v
	}
	if v := env("SW_LOCK_BACKEND"); v != "" {
		cfg.Lock.Backend = v
	}
	if v := env("SW_LOCK_REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
	}
	if v := env("SW_LOCK_KEY"); v != "" {
		cfg.Lock.Key = v
	}
	if v := env("SW_LOCK_TTL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Lock.TTL = parsed
		} else if seconds, err := strconv.Atoi(v); err == nil {
			cfg.Lock.TTL = time.Duration(seconds) * time.Second
		}
	}
	if v := env("SW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := env("SW_LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
	return cfg, nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func (c Config) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(c); err != nil {
		return errors.WithMessage(err, "invalid config")
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
