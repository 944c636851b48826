package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultFeedURL, cfg.Feed.URL)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Empty(t, cfg.History.Driver)
}

func TestLoad(t *testing.T) {
	t.Run("文件不存在时使用默认值", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("yaml 覆盖默认值", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
feed:
  timeout: 5s
history:
  driver: sqlite
  dsn: history.db
lock:
  backend: redis
  redis_addr: 127.0.0.1:6379
log:
  level: debug
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		assert.Equal(t, DefaultFeedURL, cfg.Feed.URL)
		assert.Equal(t, 5*time.Second, cfg.Feed.Timeout)
		assert.Equal(t, "sqlite", cfg.History.Driver)
		assert.Equal(t, "redis", cfg.Lock.Backend)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "text", cfg.Log.Format)
	})

	t.Run("环境变量优先", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
		t.Setenv("SW_LOG_LEVEL", "WARN")
		t.Setenv("SW_LOCK_TTL", "90")
		t.Setenv("SW_FEED_URL", "http://127.0.0.1:8080/releases.atom")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Log.Level)
		assert.Equal(t, 90*time.Second, cfg.Lock.TTL)
		assert.Equal(t, "http://127.0.0.1:8080/releases.atom", cfg.Feed.URL)
	})

	t.Run("yaml 格式错误", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("feed: ["), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "未知的 history driver", mutate: func(cfg *Config) { cfg.History.Driver = "oracle"; cfg.History.DSN = "x" }},
		{name: "history 缺少 dsn", mutate: func(cfg *Config) { cfg.History.Driver = "postgres" }},
		{name: "redis 缺少地址", mutate: func(cfg *Config) { cfg.Lock.Backend = "redis" }},
		{name: "feed url 不合法", mutate: func(cfg *Config) { cfg.Feed.URL = "not a url" }},
		{name: "日志级别不合法", mutate: func(cfg *Config) { cfg.Log.Level = "verbose" }},
		{name: "lock ttl 为 0", mutate: func(cfg *Config) { cfg.Lock.TTL = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
