package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"function-harness/internal/engine/pipeline"
	"function-harness/internal/monitor"
	"function-harness/internal/objstore"
	"function-harness/internal/outputs"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig          `yaml:"server"`
	Harness     HarnessConfig         `yaml:"harness"`
	Database    DatabaseConfig        `yaml:"database"`
	ObjectStore ObjectStoreConfig     `yaml:"object_store"`
	Poller      PollerConfig          `yaml:"poller"`
	Pipeline    pipeline.Config       `yaml:"pipeline"`
	Container   ContainerConfig       `yaml:"container"`
	Metrics     MetricsConfig         `yaml:"metrics"`
	Tracing     monitor.TracingConfig `yaml:"tracing"`
	Security    SecurityConfig        `yaml:"security"`
	TLS         TLSConfig             `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// HarnessConfig controls how functions are fetched, loaded and invoked.
type HarnessConfig struct {
	WorkDir      string        `yaml:"work_dir"`    // parent of per-execution source dirs; empty uses the OS temp dir
	ScratchDir   string        `yaml:"scratch_dir"` // where outputs are staged before upload
	KeepWorkDir  bool          `yaml:"keep_work_dir"`
	PythonBin    string        `yaml:"python_bin"`
	CallTimeout  time.Duration `yaml:"call_timeout"` // 0 means no limit
	TabularTypes []string      `yaml:"tabular_types"`
	MaxTimeout   time.Duration `yaml:"max_timeout"` // upper bound for one execution over the API
}

// DatabaseConfig points at the Postgres instance holding the audit log and
// the platform records. Without a DSN runs are kept in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ObjectStoreConfig selects where artifacts and source archives live. An
// empty endpoint keeps everything on the local filesystem under LocalRoot.
type ObjectStoreConfig struct {
	objstore.Config `yaml:",inline"`
	LocalRoot       string `yaml:"local_root"`
	ArtifactRoot    string `yaml:"artifact_root"`
}

// Remote reports whether a MinIO/S3 endpoint is configured.
func (c ObjectStoreConfig) Remote() bool {
	return c.Endpoint != ""
}

type PollerConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Deadline   time.Duration `yaml:"deadline"`    // 0 polls until the run finishes
	MaxBackoff time.Duration `yaml:"max_backoff"` // cap between retries after fetch errors
}

type ContainerConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	LogDir    string `yaml:"log_dir"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SecurityConfig struct {
	APIKeyHeader            string   `yaml:"api_key_header"`
	AllowedKeys             []string `yaml:"allowed_keys"`
	AllowUnauthenticated    bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS            float64  `yaml:"rate_limit_rps"`
	RateLimitBurst          int      `yaml:"rate_limit_burst"`
	MaxConcurrentExecutions int      `yaml:"max_concurrent_executions"` // 0 means unlimited
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    11 * time.Minute, // > harness.max_timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  8 << 20, // inline base64 sources can be large
		},
		Harness: HarnessConfig{
			PythonBin:    "python3",
			TabularTypes: []string{outputs.PandasDataFrame, outputs.PolarsDataFrame},
			MaxTimeout:   10 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			LocalRoot:    "/var/lib/harness/objects",
			ArtifactRoot: "artifacts",
		},
		Poller: PollerConfig{
			Interval:   5 * time.Second,
			MaxBackoff: time.Minute,
		},
		Container: ContainerConfig{
			Socket:    "/run/containerd/containerd.sock",
			Namespace: "harness",
			LogDir:    "/var/log/harness",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: monitor.TracingConfig{
			Enabled:     false,
			ServiceName: "function-harness",
			SampleRate:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,

			MaxConcurrentExecutions: 32,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Harness.PythonBin == "" {
		return fmt.Errorf("harness.python_bin is required")
	}
	if c.Harness.CallTimeout < 0 || c.Harness.MaxTimeout < 0 {
		return fmt.Errorf("harness timeouts must not be negative")
	}
	for name, dir := range map[string]string{
		"harness.work_dir":    c.Harness.WorkDir,
		"harness.scratch_dir": c.Harness.ScratchDir,
	} {
		if dir != "" && !filepath.IsAbs(dir) {
			return fmt.Errorf("%s: %q must be an absolute path", name, dir)
		}
	}
	if c.ObjectStore.Remote() {
		if err := c.ObjectStore.Config.Validate(); err != nil {
			return fmt.Errorf("object_store: %w", err)
		}
	} else if c.ObjectStore.LocalRoot == "" {
		return fmt.Errorf("object_store.local_root is required without an endpoint")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive")
	}
	if c.Poller.MaxBackoff != 0 && c.Poller.MaxBackoff < c.Poller.Interval {
		return fmt.Errorf("poller.max_backoff (%s) must be >= interval (%s)", c.Poller.MaxBackoff, c.Poller.Interval)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints from the environment so they
// need not live in the config file.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("HARNESS_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("HARNESS_S3_ENDPOINT"); v != "" {
		c.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("HARNESS_S3_ACCESS_KEY"); v != "" {
		c.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("HARNESS_S3_SECRET_KEY"); v != "" {
		c.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("HARNESS_PIPELINE_TOKEN"); v != "" {
		c.Pipeline.Token = v
	}
	if v := os.Getenv("HARNESS_API_KEYS"); v != "" {
		c.Security.AllowedKeys = strings.Split(v, ",")
	}
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
