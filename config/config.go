// Package config loads the chopsticks YAML configuration.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/canonical/chopsticks/daemon"
	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/instances"
)

// Config is the root of a chopsticks configuration file.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	S3      S3Config      `yaml:"s3"`
	Run     RunConfig     `yaml:"run"`
}

// MetricsConfig controls collection, the metrics endpoint and export.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// PrometheusPort is the metrics HTTP port. BindPort is accepted as an
	// alias; PrometheusPort wins when both are set.
	PrometheusPort int    `yaml:"prometheus_port"`
	BindPort       int    `yaml:"bind_port"`
	HTTPHost       string `yaml:"http_host"`

	ExportPath string `yaml:"export_path"`

	AggregationWindowSeconds int `yaml:"aggregation_window_seconds"`
	RetentionWindows         int `yaml:"retention_windows"`

	Persistent PersistentConfig `yaml:"persistent"`
}

// PersistentConfig locates the files of the detached metrics daemon.
type PersistentConfig struct {
	PIDFile    string `yaml:"pid_file"`
	StateFile  string `yaml:"state_file"`
	SocketPath string `yaml:"socket_path"`
	LogFile    string `yaml:"log_file"`
	// Forward streams run records to the daemon instead of serving them
	// from the run itself.
	Forward bool `yaml:"forward"`
}

// S3Config selects the storage driver and its credentials.
type S3Config struct {
	Driver    string `yaml:"driver"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccountID string `yaml:"account_id"`
	PathStyle bool   `yaml:"path_style"`
}

// RunConfig describes the load to generate.
type RunConfig struct {
	Scenario        string        `yaml:"scenario"`
	Duration        time.Duration `yaml:"duration"`
	Users           int           `yaml:"users"`
	ObjectSizeMinKB int           `yaml:"object_size_min_kb"`
	ObjectSizeMaxKB int           `yaml:"object_size_max_kb"`
	KeyPrefix       string        `yaml:"key_prefix"`
	// OutputDir receives the per-record parquet stream when set.
	OutputDir string `yaml:"output_dir"`
	// SampleInterval is how often host resources are sampled; zero
	// disables sampling.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// DefaultConfig returns the configuration used when a file sets nothing:
// metrics served on the default port, a local S3 endpoint.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	m := &c.Metrics
	if m.PrometheusPort == 0 {
		m.PrometheusPort = m.BindPort
	}
	if m.PrometheusPort == 0 {
		m.PrometheusPort = daemon.DefaultPort
	}
	if m.HTTPHost == "" {
		m.HTTPHost = daemon.DefaultHost
	}
	if m.AggregationWindowSeconds == 0 {
		m.AggregationWindowSeconds = 10
	}
	if m.Persistent.PIDFile == "" {
		m.Persistent.PIDFile = daemon.DefaultPIDFile
	}
	if m.Persistent.StateFile == "" {
		m.Persistent.StateFile = daemon.DefaultStateFile
	}
	if m.Persistent.SocketPath == "" {
		m.Persistent.SocketPath = daemon.DefaultSocketPath
	}

	s := &c.S3
	if s.Driver == "" {
		s.Driver = "s3"
	}
	if s.Endpoint == "" && s.Driver == "s3" {
		s.Endpoint = "http://localhost:9000"
	}
	if s.Region == "" {
		s.Region = "us-east-1"
	}

	r := &c.Run
	if r.Scenario == "" {
		r.Scenario = "small_objects"
	}
	if r.Duration == 0 {
		r.Duration = time.Minute
	}
	if r.Users == 0 {
		r.Users = 10
	}
	if r.ObjectSizeMinKB == 0 && r.ObjectSizeMaxKB == 0 {
		r.ObjectSizeMinKB, r.ObjectSizeMaxKB = 1, 100
	}
	if r.KeyPrefix == "" {
		r.KeyPrefix = "chopsticks"
	}
}

// Load reads path, loading a .env file from the working directory first
// so credentials can stay out of the YAML.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "config.load", "reading "+path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML and fills in defaults for everything left unset.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Wrap(errs.KindConfig, "config.parse", "decoding YAML", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ApplyEnv overrides credentials and endpoints from the environment.
func (c *Config) ApplyEnv() {
	setString(&c.S3.Endpoint, "S3_ENDPOINT")
	setString(&c.S3.AccessKey, "S3_ACCESS_KEY")
	setString(&c.S3.SecretKey, "S3_SECRET_KEY")
	setString(&c.S3.Region, "S3_REGION")
	setString(&c.S3.Bucket, "S3_BUCKET")
	setString(&c.S3.AccountID, "R2_ACCOUNT_ID")
	if os.Getenv("R2_ACCOUNT_ID") != "" {
		setString(&c.S3.AccessKey, "R2_ACCESS_KEY_ID")
		setString(&c.S3.SecretKey, "R2_SECRET_ACCESS_KEY")
	}
	setString(&c.Metrics.ExportPath, "METRICS_EXPORT_PATH")
	if v := os.Getenv("METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.PrometheusPort = port
		}
	}
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	m := c.Metrics
	if m.PrometheusPort < 0 || m.PrometheusPort > 65535 {
		return errs.Newf(errs.KindConfig, "config.validate", "metrics.prometheus_port %d out of range", m.PrometheusPort)
	}
	if m.AggregationWindowSeconds <= 0 {
		return errs.Newf(errs.KindConfig, "config.validate", "metrics.aggregation_window_seconds must be positive, got %d", m.AggregationWindowSeconds)
	}
	if m.RetentionWindows < 0 {
		return errs.Newf(errs.KindConfig, "config.validate", "metrics.retention_windows must not be negative, got %d", m.RetentionWindows)
	}

	switch c.S3.Driver {
	case "s3", "r2":
		if c.S3.Bucket == "" {
			return errs.Newf(errs.KindConfig, "config.validate", "s3.bucket is required for the %s driver", c.S3.Driver)
		}
	case "memory", "dummy":
	default:
		return errs.Newf(errs.KindConfig, "config.validate", "unknown s3.driver %q", c.S3.Driver)
	}

	r := c.Run
	if r.Users <= 0 {
		return errs.Newf(errs.KindConfig, "config.validate", "run.users must be positive, got %d", r.Users)
	}
	if r.Duration <= 0 {
		return errs.Newf(errs.KindConfig, "config.validate", "run.duration must be positive, got %s", r.Duration)
	}
	if r.ObjectSizeMinKB < 0 || r.ObjectSizeMaxKB < r.ObjectSizeMinKB {
		return errs.Newf(errs.KindConfig, "config.validate", "invalid object size range %d-%d KB", r.ObjectSizeMinKB, r.ObjectSizeMaxKB)
	}
	return nil
}

// Driver returns the driver settings of the s3 section.
func (c *Config) Driver() instances.Settings {
	return instances.Settings{
		Driver:    c.S3.Driver,
		Endpoint:  c.S3.Endpoint,
		Region:    c.S3.Region,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
		Bucket:    c.S3.Bucket,
		AccountID: c.S3.AccountID,
		PathStyle: c.S3.PathStyle,
	}
}

// Daemon returns supervisor options for the persistent metrics daemon.
func (c *Config) Daemon() daemon.Options {
	opts := daemon.DefaultOptions()
	p := c.Metrics.Persistent
	opts.PIDFile = p.PIDFile
	opts.StateFile = p.StateFile
	opts.SocketPath = p.SocketPath
	opts.LogFile = p.LogFile
	opts.Host = c.Metrics.HTTPHost
	opts.Port = c.Metrics.PrometheusPort
	opts.ExportPath = c.Metrics.ExportPath
	opts.WindowSeconds = c.Metrics.AggregationWindowSeconds
	opts.Retention = c.Metrics.RetentionWindows
	return opts
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
