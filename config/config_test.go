package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/chopsticks/daemon"
	"github.com/canonical/chopsticks/errs"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, daemon.DefaultPort, cfg.Metrics.PrometheusPort)
	assert.Equal(t, daemon.DefaultHost, cfg.Metrics.HTTPHost)
	assert.Equal(t, 10, cfg.Metrics.AggregationWindowSeconds)
	assert.Equal(t, daemon.DefaultPIDFile, cfg.Metrics.Persistent.PIDFile)
	assert.Equal(t, "s3", cfg.S3.Driver)
	assert.Equal(t, time.Minute, cfg.Run.Duration)
	assert.Equal(t, 10, cfg.Run.Users)
	assert.Equal(t, 1, cfg.Run.ObjectSizeMinKB)
	assert.Equal(t, 100, cfg.Run.ObjectSizeMaxKB)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
metrics:
  enabled: true
  prometheus_port: 9646
  export_path: /tmp/out.json
  aggregation_window_seconds: 5
  retention_windows: 12
  persistent:
    pid_file: /run/cs.pid
    forward: true
s3:
  endpoint: http://ceph:80
  access_key: key
  secret_key: secret
  region: default
  bucket: bench
run:
  scenario: large_objects
  duration: 90s
  users: 4
  object_size_min_kb: 1024
  object_size_max_kb: 4096
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9646, cfg.Metrics.PrometheusPort)
	assert.Equal(t, "/tmp/out.json", cfg.Metrics.ExportPath)
	assert.Equal(t, 12, cfg.Metrics.RetentionWindows)
	assert.Equal(t, "/run/cs.pid", cfg.Metrics.Persistent.PIDFile)
	assert.Equal(t, daemon.DefaultStateFile, cfg.Metrics.Persistent.StateFile)
	assert.True(t, cfg.Metrics.Persistent.Forward)
	assert.Equal(t, "bench", cfg.S3.Bucket)
	assert.Equal(t, 90*time.Second, cfg.Run.Duration)
	assert.Equal(t, 4, cfg.Run.Users)
	assert.Equal(t, "chopsticks", cfg.Run.KeyPrefix)

	d := cfg.Daemon()
	assert.Equal(t, 9646, d.Port)
	assert.Equal(t, "/run/cs.pid", d.PIDFile)
	assert.Equal(t, 5, d.WindowSeconds)
	assert.Equal(t, 12, d.Retention)

	s := cfg.Driver()
	assert.Equal(t, "http://ceph:80", s.Endpoint)
	assert.Equal(t, "key", s.AccessKey)
}

func TestBindPortAlias(t *testing.T) {
	cfg, err := Parse([]byte("metrics:\n  bind_port: 9100\n"))
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Metrics.PrometheusPort)

	cfg, err = Parse([]byte("metrics:\n  bind_port: 9100\n  prometheus_port: 9200\n"))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Metrics.PrometheusPort)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("metrics:\n  prometheus_prot: 1\n"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Metrics.PrometheusPort = 70000 }},
		{"window", func(c *Config) { c.Metrics.AggregationWindowSeconds = -1 }},
		{"retention", func(c *Config) { c.Metrics.RetentionWindows = -1 }},
		{"bucket", func(c *Config) { c.S3.Bucket = "" }},
		{"driver", func(c *Config) { c.S3.Driver = "nfs" }},
		{"users", func(c *Config) { c.Run.Users = -2 }},
		{"duration", func(c *Config) { c.Run.Duration = -time.Second }},
		{"sizes", func(c *Config) { c.Run.ObjectSizeMinKB, c.Run.ObjectSizeMaxKB = 10, 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.S3.Bucket = "bench"
			require.NoError(t, cfg.Validate())
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindConfig))
		})
	}

	cfg := DefaultConfig()
	cfg.S3.Driver = "memory"
	assert.NoError(t, cfg.Validate(), "memory driver needs no bucket")
}

func TestLoadAppliesEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chopsticks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("s3:\n  bucket: from-file\n  access_key: file-key\n"), 0o644))

	t.Setenv("S3_ACCESS_KEY", "env-key")
	t.Setenv("S3_SECRET_KEY", "env-secret")
	t.Setenv("METRICS_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.S3.Bucket)
	assert.Equal(t, "env-key", cfg.S3.AccessKey)
	assert.Equal(t, "env-secret", cfg.S3.SecretKey)
	assert.Equal(t, 9999, cfg.Metrics.PrometheusPort)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindConfig))
}
