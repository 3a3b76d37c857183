package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/ingestgate/internal/config"
)

const yamlConfig = `
redis:
  addr: localhost:6379
logging:
  level: debug
  format: console
idempotency:
  record_ttl_seconds: 7200
  max_processing_time_ms: 30000
fairness:
  tiers:
    high: {weight: 3, max_in_flight: 10}
    standard: {weight: 2}
    low: {weight: 1}
services:
  - service: openai
    algorithm: token_bucket
    limits:
      - requests: 500
        window_seconds: 60
        burst: 50
    backoff:
      type: adaptive
      initial_delay_ms: 500
      max_delay_ms: 120000
    cost_mapping:
      completion: 5
      embedding: 0.5
  - service: reddit
    limits:
      - requests: 60
        window_seconds: 60
      - requests: 1000
        window_seconds: 86400
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(writeFile(t, "config.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 2*time.Hour, cfg.Idempotency.GetRecordTTL())
	assert.Equal(t, 30*time.Second, cfg.Idempotency.GetMaxProcessingTime())
	assert.Len(t, cfg.Fairness.Tiers, 3)
	assert.True(t, cfg.Fairness.Enabled())

	openai, ok := cfg.Service("openai")
	require.True(t, ok)
	assert.Equal(t, config.AlgorithmTokenBucket, openai.GetAlgorithm())
	assert.Equal(t, config.BackoffAdaptive, openai.Backoff.GetType())
	assert.InDelta(t, 5, openai.CostFor("completion"), 1e-9)
	assert.InDelta(t, 0.5, openai.CostFor("embedding"), 1e-9)
	assert.InDelta(t, 1, openai.CostFor("other"), 1e-9)

	primary, ok := openai.PrimaryLimit()
	require.True(t, ok)
	assert.InDelta(t, 500, primary.Requests, 1e-9)
	assert.InDelta(t, 500.0/60.0, primary.RefillPerSecond(), 1e-9)
	burst, ok := primary.GetBurstOption().Get()
	require.True(t, ok)
	assert.InDelta(t, 50, burst, 1e-9)

	reddit, ok := cfg.Service("reddit")
	require.True(t, ok)
	assert.Equal(t, config.AlgorithmSlidingWindow, reddit.GetAlgorithm())
	assert.Len(t, reddit.Limits, 2)
	assert.Equal(t, 24*time.Hour, reddit.Limits[1].Window())
}

func TestLoadTOML(t *testing.T) {
	t.Parallel()

	tomlConfig := `
[redis]
addr = "localhost:6379"

[[services]]
service = "openai"

[[services.limits]]
requests = 10.0
window_seconds = 60
`
	cfg, err := config.Load(writeFile(t, "config.toml", tomlConfig))
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	svc, ok := cfg.Service("openai")
	require.True(t, ok)
	assert.InDelta(t, 10, svc.Limits[0].Requests, 1e-9)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("INGESTGATE_TEST_REDIS", "redis-prod:6379")

	cfg, err := config.LoadFromReader(strings.NewReader(`
redis:
  addr: ${INGESTGATE_TEST_REDIS}
services:
  - service: openai
    limits:
      - requests: 1
        window_seconds: 60
`))
	require.NoError(t, err)
	assert.Equal(t, "redis-prod:6379", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
	}{
		{"missing redis addr", `
services:
  - service: openai
    limits: [{requests: 1, window_seconds: 60}]
`},
		{"missing service name", `
redis: {addr: localhost:6379}
services:
  - limits: [{requests: 1, window_seconds: 60}]
`},
		{"duplicate service", `
redis: {addr: localhost:6379}
services:
  - service: openai
    limits: [{requests: 1, window_seconds: 60}]
  - service: openai
    limits: [{requests: 1, window_seconds: 60}]
`},
		{"unknown algorithm", `
redis: {addr: localhost:6379}
services:
  - service: openai
    algorithm: leaky_bucket
    limits: [{requests: 1, window_seconds: 60}]
`},
		{"no limits", `
redis: {addr: localhost:6379}
services:
  - service: openai
`},
		{"zero requests", `
redis: {addr: localhost:6379}
services:
  - service: openai
    limits: [{requests: 0, window_seconds: 60}]
`},
		{"negative burst", `
redis: {addr: localhost:6379}
services:
  - service: openai
    limits: [{requests: 1, window_seconds: 60, burst: -1}]
`},
		{"unknown backoff type", `
redis: {addr: localhost:6379}
services:
  - service: openai
    limits: [{requests: 1, window_seconds: 60}]
    backoff: {type: fibonacci}
`},
		{"zero cost mapping", `
redis: {addr: localhost:6379}
services:
  - service: openai
    limits: [{requests: 1, window_seconds: 60}]
    cost_mapping: {noop: 0}
`},
		{"zero tier weight", `
redis: {addr: localhost:6379}
fairness:
  tiers:
    low: {weight: 0}
services:
  - service: openai
    limits: [{requests: 1, window_seconds: 60}]
`},
		{"bad logging format", `
redis: {addr: localhost:6379}
logging: {format: xml}
services:
  - service: openai
    limits: [{requests: 1, window_seconds: 60}]
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	var idem config.IdempotencyConfig
	assert.Equal(t, 24*time.Hour, idem.GetRecordTTL())
	assert.Equal(t, time.Minute, idem.GetMaxProcessingTime())
	assert.Equal(t, 100*time.Millisecond, idem.GetCoalesceWindow())
	assert.Equal(t, 50*time.Millisecond, idem.GetPollInterval())

	var backoffCfg config.BackoffConfig
	assert.Equal(t, config.BackoffExponential, backoffCfg.GetType())
	assert.Equal(t, time.Second, backoffCfg.GetInitialDelay())
	assert.Equal(t, 5*time.Minute, backoffCfg.GetMaxDelay())
	assert.InDelta(t, 2, backoffCfg.GetMultiplier(), 1e-9)

	var redis config.RedisConfig
	assert.Equal(t, 250*time.Millisecond, redis.GetOpTimeout())
	assert.Equal(t, 2*time.Second, redis.GetDialTimeout())

	var m config.MetricsConfig
	assert.True(t, m.GetListenOption().IsAbsent())
}

func TestRuntimeSwapsSnapshots(t *testing.T) {
	t.Parallel()

	first := &config.Config{}
	second := &config.Config{}
	rt := config.NewRuntime(first)
	assert.Same(t, first, rt.Get())

	rt.Store(second)
	assert.Same(t, second, rt.Get())
}
