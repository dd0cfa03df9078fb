package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ProviderProcess, cfg.Provider.Name())
	assert.Equal(t, "sqlite", cfg.StorageDriverName())
	assert.Equal(t, 5*time.Minute, cfg.Adapter.ReadyTimeout())
	assert.Equal(t, time.Second, cfg.Adapter.PollInterval())
	assert.Equal(t, int64(64<<10), cfg.Adapter.ChunkSize())
	assert.Zero(t, cfg.Adapter.Expiration())
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, "@every 30s", cfg.Monitor.ScheduleSpec())
	assert.Equal(t, 10*time.Second, cfg.Monitor.PingTimeout())
	assert.Equal(t, "polybox.db", filepath.Base(cfg.DatabasePath()))
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "polybox.yaml", `
data_dir: /var/lib/polybox
log:
  level: debug
  format: json
provider:
  default: docker
  docker:
    image: alpine:3.20
    memory_mb: 128
    cpu_cores: 0.5
adapter:
  ready_timeout_ms: 2000
  poll_interval_ms: 100
  chunk_size_bytes: 4096
monitor:
  enabled: true
  schedule: "@every 5s"
  notify:
    webhooks:
      - name: ops
        url: https://hooks.example.com/polybox
    slack:
      bot_token: xoxb-file
      channel_id: C123
server:
  listen_addr: 127.0.0.1:9000
  api_keys: ["0123456789abcdef"]
  enable_docs: true
  rate_limit:
    requests_per_minute: 120
    burst_size: 20
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/polybox", cfg.ResolvedDataDir())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ProviderDocker, cfg.Provider.Name())
	require.NotNil(t, cfg.Provider.Docker)
	assert.Equal(t, 128, cfg.Provider.Docker.MemoryMB)
	assert.Equal(t, 2*time.Second, cfg.Adapter.ReadyTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.Adapter.PollInterval())
	assert.Equal(t, int64(4096), cfg.Adapter.ChunkSize())
	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, "@every 5s", cfg.Monitor.ScheduleSpec())
	require.NotNil(t, cfg.Monitor.Notify)
	assert.Equal(t, []WebhookConfig{{Name: "ops", URL: "https://hooks.example.com/polybox"}}, cfg.Monitor.Notify.Webhooks)
	assert.Equal(t, &SlackConfig{BotToken: "xoxb-file", ChannelID: "C123"}, cfg.Monitor.Notify.Slack)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.True(t, cfg.Server.EnableDocs)
	assert.Equal(t, RateLimitConfig{RequestsPerMinute: 120, BurstSize: 20}, cfg.Server.RateLimit)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "polybox.json", `{"provider":{"default":"process","process":{"timeout_seconds":5}},
		"storage":{"driver":"sqlite","sqlite":{"path":"/tmp/x.db"}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Provider.Process.TimeoutSeconds)
	assert.Equal(t, "/tmp/x.db", cfg.DatabasePath())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POLYBOX_PROVIDER", "docker")
	t.Setenv("POLYBOX_DOCKER_IMAGE", "busybox:latest")
	t.Setenv("POLYBOX_DB_DSN", "postgres://u:p@localhost/polybox")
	t.Setenv("POLYBOX_API_KEYS", " aaaaaaaaaaaaaaaa , bbbbbbbbbbbbbbbb ,")
	t.Setenv("POLYBOX_LISTEN_ADDR", ":9999")
	t.Setenv("POLYBOX_LOG_LEVEL", "warn")

	path := writeFile(t, "c.yaml", "provider:\n  default: process\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderDocker, cfg.Provider.Name())
	assert.Equal(t, "busybox:latest", cfg.Provider.Docker.Image)
	assert.Equal(t, "postgres", cfg.StorageDriverName())
	assert.Equal(t, "postgres://u:p@localhost/polybox", cfg.Storage.Postgres.DSN)
	assert.Equal(t, []string{"aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb"}, cfg.Server.APIKeys)
	assert.Equal(t, ":9999", cfg.Server.Addr())
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_SlackTokenFromEnv(t *testing.T) {
	t.Setenv("POLYBOX_SLACK_BOT_TOKEN", "xoxb-env")
	cfg, err := Load(writeFile(t, "c.yaml", "monitor:\n  notify:\n    slack:\n      channel_id: C1\n"))
	require.NoError(t, err)
	assert.Equal(t, "xoxb-env", cfg.Monitor.Notify.Slack.BotToken)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown provider", "provider:\n  default: firecracker\n"},
		{"negative timing", "adapter:\n  ready_timeout_ms: -1\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"bad storage driver", "storage:\n  driver: mysql\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"tracing without endpoint", "observability:\n  tracing:\n    enabled: true\n"},
		{"bad anomaly threshold", "observability:\n  anomaly:\n    enabled: true\n    error_rate_threshold: 2\n"},
		{"short api key", "server:\n  api_keys: [short]\n"},
		{"webhook without url", "monitor:\n  notify:\n    webhooks:\n      - name: ops\n"},
		{"slack without token", "monitor:\n  notify:\n    slack:\n      channel_id: C1\n"},
		{"negative rate limit", "server:\n  rate_limit:\n    requests_per_minute: -1\n"},
		{"negative docker limits", "provider:\n  default: docker\n  docker:\n    memory_mb: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeFile(t, "c.yml", "provider: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing YAML config")
}
