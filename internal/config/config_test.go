package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "telegram": {"token": "123:abc", "poll_timeout": "10s"},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/bot.db"},
  "scheduler": {"poll": "5m", "retry_interval": "1m"},
  "dispatch": {"delay": "100ms", "rate_per_sec": 20},
  "locale": {"default_language": "en", "supported": ["pt", "hu", "en"]}
}`

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./data/bot.db
scheduler:
  poll: 5m
  retry_interval: 1m
dispatch:
  delay: 100ms
  rate_per_sec: 20
locale:
  default_language: en
  supported: [pt, hu, en]
`

func TestParseJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()
	fromJSON, err := ParseBytes("config.json", []byte(sampleJSON))
	require.NoError(t, err)
	fromYAML, err := ParseBytes("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, fromJSON, fromYAML)
	assert.True(t, fromJSON.Scheduler.SchedulerEnabled())
	assert.Equal(t, 20, fromJSON.Dispatch.RatePerSec)
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := ParseBytes("c.json", []byte(`{"telegram": {"tokn": "x"}}`))
	assert.Error(t, err)

	_, err = ParseBytes("c.json", []byte(`{} {}`))
	assert.Error(t, err)
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationOrDefault("scheduler.poll", "soon", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.poll")

	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a, err := ParseBytes("a.json", []byte(sampleJSON))
	require.NoError(t, err)
	b := *a
	b.Admin = AdminConfig{Enabled: true, Token: "s3cret"}
	b.Dispatch.RatePerSec = 5

	changed, attrs := SummarizeChange(a, &b)
	assert.Equal(t, []string{"admin", "dispatch"}, changed)
	assert.NotEmpty(t, attrs)
}

func TestWatchPublishesValidatedChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o644))

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return nil })
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	updated := []byte(`{"telegram": {"token": "123:abc"}, "dispatch": {"rate_per_sec": 7}}`)
	require.Eventually(t, func() bool {
		// rewrite until the watcher is up and has picked the change
		_ = os.WriteFile(path, updated, 0o644)
		select {
		case cfg := <-ch:
			return cfg.Dispatch.RatePerSec == 7
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 7, m.Get().Dispatch.RatePerSec)
}
