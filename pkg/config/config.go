package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/harbormaster/pkg/reconcile"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/openfroyo/harbormaster/pkg/task"
	"github.com/openfroyo/harbormaster/pkg/telemetry"
	"github.com/openfroyo/harbormaster/pkg/transports/ssh"
	"gopkg.in/yaml.v3"
)

// Default returns the configuration used when no file is given: a SQLite
// store in the working directory and the simulated adapter.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:       stores.DriverSQLite,
			Path:         "harbormaster.db",
			MaxOpenConns: 1,
		},
		Tasks: TasksConfig{
			Expiration:    task.DefaultExpiration.String(),
			SweepSchedule: "@every 5m",
			TrackRequests: true,
			Parallelism:   8,
		},
		Reconcile: ReconcileConfig{
			Enabled:     true,
			Schedule:    "@every 5m",
			Concurrency: 4,
		},
		Adapter: AdapterConfig{
			Driver: "simulated",
			SSH: SSHConfig{
				ConnectTimeout: "30s",
				CommandTimeout: "5m",
			},
		},
		Events: EventsConfig{
			Exchange:      "harbormaster.events",
			RoutingPrefix: "harbormaster",
			BufferSize:    1000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "harbormaster",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "console",
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
				Insecure:     true,
			},
			Metrics: MetricsConfig{
				Enabled:       true,
				ListenAddress: ":9090",
				Path:          "/metrics",
			},
		},
	}
}

// Load reads a .cue, .yaml or .yml file over the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		err = decodeCUE(path, data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// decodeCUE checks the file against the config schema and decodes it.
func decodeCUE(path string, data []byte, cfg *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return err
	}

	val := ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return joinCUEErrors(err)
	}

	val = schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return joinCUEErrors(err)
	}
	return val.Decode(cfg)
}

var validate = validator.New()

// Validate checks struct constraints and the fields that must parse.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Store.Driver {
	case stores.DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case stores.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	}

	durations := map[string]string{
		"store.connMaxLifetime":      c.Store.ConnMaxLifetime,
		"tasks.expiration":           c.Tasks.Expiration,
		"adapter.latency":            c.Adapter.Latency,
		"adapter.ssh.connectTimeout": c.Adapter.SSH.ConnectTimeout,
		"adapter.ssh.commandTimeout": c.Adapter.SSH.CommandTimeout,
		"adapter.ssh.keepAlive":      c.Adapter.SSH.KeepAlive,
	}
	for field, value := range durations {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if exp, _ := parseDuration(c.Tasks.Expiration); exp <= 0 {
		return fmt.Errorf("tasks.expiration must be positive")
	}

	if err := reconcile.ValidateSchedule(c.Tasks.SweepSchedule); err != nil {
		return fmt.Errorf("tasks.sweepSchedule: %w", err)
	}
	if err := reconcile.ValidateSchedule(c.Reconcile.Schedule); err != nil {
		return fmt.Errorf("reconcile.schedule: %w", err)
	}

	if c.Adapter.Driver == "ssh" {
		if _, err := c.SSHTransport(); err != nil {
			return fmt.Errorf("adapter.ssh: %w", err)
		}
	}
	return nil
}

// parseDuration accepts an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// StoreOptions converts the store section.
func (c *Config) StoreOptions() stores.Config {
	lifetime, _ := parseDuration(c.Store.ConnMaxLifetime)
	return stores.Config{
		Driver:          c.Store.Driver,
		Path:            c.Store.Path,
		DSN:             c.Store.DSN,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: lifetime,
	}
}

// TaskExpiration returns the parsed default task expiration.
func (c *Config) TaskExpiration() time.Duration {
	d, _ := parseDuration(c.Tasks.Expiration)
	return d
}

// AdapterLatency returns the parsed simulated adapter latency.
func (c *Config) AdapterLatency() time.Duration {
	d, _ := parseDuration(c.Adapter.Latency)
	return d
}

// LoopConfig converts the reconcile section.
func (c *Config) LoopConfig() reconcile.LoopConfig {
	return reconcile.LoopConfig{
		Schedule:    c.Reconcile.Schedule,
		Concurrency: c.Reconcile.Concurrency,
		DryRun:      c.Reconcile.DryRun,
	}
}

// SSHTransport builds the SSH client configuration of the ssh adapter.
func (c *Config) SSHTransport() (*ssh.Config, error) {
	s := c.Adapter.SSH
	if s.Target == "" {
		return nil, fmt.Errorf("target is required")
	}
	user := s.User
	if user == "" {
		user = os.Getenv("USER")
	}
	cfg, err := ssh.ParseTarget(s.Target, user)
	if err != nil {
		return nil, err
	}

	applyAuth := func(cfg *ssh.Config) {
		switch {
		case s.Password != "":
			cfg.AuthMethod = ssh.AuthMethodPassword
			cfg.Password = s.Password
		case s.KeyPath != "":
			cfg.PrivateKeyPath = s.KeyPath
			cfg.PrivateKeyPassphrase = s.KeyPassphrase
		}
	}
	applyAuth(cfg)
	if s.Jump != "" {
		jump, err := ssh.ParseTarget(s.Jump, user)
		if err != nil {
			return nil, fmt.Errorf("jump: %w", err)
		}
		applyAuth(jump)
		cfg.Jump = jump
	}
	if s.KnownHosts != "" {
		cfg.KnownHostsPath = s.KnownHosts
	}
	cfg.StrictHostKeyChecking = !s.Insecure

	if d, _ := parseDuration(s.ConnectTimeout); d > 0 {
		cfg.ConnectionTimeout = d
	}
	if d, _ := parseDuration(s.CommandTimeout); d > 0 {
		cfg.CommandTimeout = d
	}
	if d, _ := parseDuration(s.KeepAlive); d > 0 {
		cfg.KeepAliveInterval = d
	}
	return cfg, nil
}

// TelemetryConfig converts the telemetry section. The in-process event bus
// is always on since the AMQP relay and the CLI subscribe to it.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceName = c.Telemetry.ServiceName
	tc.ServiceVersion = version
	tc.Environment = c.Telemetry.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat

	tc.Tracing.Enabled = c.Telemetry.Tracing.Exporter != "none"
	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Telemetry.Tracing.Insecure

	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	if c.Telemetry.Metrics.Path != "" {
		tc.Metrics.Path = c.Telemetry.Metrics.Path
	}

	tc.Events.Enabled = true
	tc.Events.BufferSize = c.Events.BufferSize
	return tc
}
