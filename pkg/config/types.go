package config

import "fmt"

// Config is the harbormaster service configuration.
type Config struct {
	Store     StoreConfig     `json:"store" yaml:"store"`
	Tasks     TasksConfig     `json:"tasks" yaml:"tasks"`
	Reconcile ReconcileConfig `json:"reconcile" yaml:"reconcile"`
	Adapter   AdapterConfig   `json:"adapter" yaml:"adapter"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// StoreConfig selects and tunes the document store.
type StoreConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `json:"driver" yaml:"driver" validate:"required,oneof=memory sqlite postgres"`

	// Path is the SQLite database file.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// DSN is the PostgreSQL connection string.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	MaxOpenConns    int    `json:"maxOpenConns,omitempty" yaml:"maxOpenConns,omitempty" validate:"gte=0"`
	MaxIdleConns    int    `json:"maxIdleConns,omitempty" yaml:"maxIdleConns,omitempty" validate:"gte=0"`
	ConnMaxLifetime string `json:"connMaxLifetime,omitempty" yaml:"connMaxLifetime,omitempty"`
}

// TasksConfig tunes the workflow host.
type TasksConfig struct {
	// Expiration applies to tasks submitted without an explicit expiry.
	Expiration string `json:"expiration" yaml:"expiration" validate:"required"`

	// SweepSchedule is the cron spec of the expiration sweep.
	SweepSchedule string `json:"sweepSchedule" yaml:"sweepSchedule" validate:"required"`

	// TrackRequests creates a request status document for every task.
	TrackRequests bool `json:"trackRequests" yaml:"trackRequests"`

	// Parallelism bounds document writes fanned out by one workflow step.
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty" validate:"gte=0"`
}

// ReconcileConfig configures the control loop and its inputs.
type ReconcileConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Schedule    string `json:"schedule" yaml:"schedule" validate:"required"`
	Concurrency int    `json:"concurrency" yaml:"concurrency" validate:"gte=1"`
	DryRun      bool   `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`

	// Descriptors is a CUE file or directory loaded into the store at start.
	Descriptors string `json:"descriptors,omitempty" yaml:"descriptors,omitempty"`

	// WatchDescriptors reloads the descriptor catalog when it changes.
	WatchDescriptors bool `json:"watchDescriptors,omitempty" yaml:"watchDescriptors,omitempty"`

	// Policies are .rego or .json files or directories gating redeploys.
	Policies []string `json:"policies,omitempty" yaml:"policies,omitempty"`

	// WatchPolicies reloads policies when the files change.
	WatchPolicies bool `json:"watchPolicies,omitempty" yaml:"watchPolicies,omitempty"`
}

// AdapterConfig selects the adapter that executes container operations.
type AdapterConfig struct {
	// Driver is simulated or ssh.
	Driver string `json:"driver" yaml:"driver" validate:"required,oneof=simulated ssh"`

	// Latency delays every simulated operation.
	Latency string `json:"latency,omitempty" yaml:"latency,omitempty"`

	// HostLink is recorded on containers created by the ssh adapter.
	HostLink string `json:"hostLink,omitempty" yaml:"hostLink,omitempty"`

	SSH SSHConfig `json:"ssh" yaml:"ssh"`
}

// SSHConfig describes the docker host reached over SSH.
type SSHConfig struct {
	// Target is "user@host:port" or "ssh://user@host:port".
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// Jump is an optional bastion target using the same credentials.
	Jump string `json:"jump,omitempty" yaml:"jump,omitempty"`

	User           string `json:"user,omitempty" yaml:"user,omitempty"`
	KeyPath        string `json:"keyPath,omitempty" yaml:"keyPath,omitempty"`
	KeyPassphrase  string `json:"keyPassphrase,omitempty" yaml:"keyPassphrase,omitempty"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	KnownHosts     string `json:"knownHosts,omitempty" yaml:"knownHosts,omitempty"`
	Insecure       bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ConnectTimeout string `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`
	CommandTimeout string `json:"commandTimeout,omitempty" yaml:"commandTimeout,omitempty"`
	KeepAlive      string `json:"keepAlive,omitempty" yaml:"keepAlive,omitempty"`
}

// EventsConfig configures the AMQP event relay.
type EventsConfig struct {
	// URL is the AMQP broker URL. The relay is off when it is empty.
	URL string `json:"url,omitempty" yaml:"url,omitempty" validate:"omitempty,url"`

	Exchange string `json:"exchange" yaml:"exchange" validate:"required_with=URL"`

	// RoutingPrefix is prepended to event types to form routing keys.
	RoutingPrefix string `json:"routingPrefix,omitempty" yaml:"routingPrefix,omitempty"`

	// BufferSize bounds events waiting for the broker.
	BufferSize int `json:"bufferSize" yaml:"bufferSize" validate:"gte=1"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	ServiceName string `json:"serviceName" yaml:"serviceName" validate:"required"`
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`

	LogLevel  string `json:"logLevel" yaml:"logLevel" validate:"oneof=trace debug info warn error fatal"`
	LogFormat string `json:"logFormat" yaml:"logFormat" validate:"oneof=console json"`

	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter     string  `json:"exporter" yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `json:"samplingRate" yaml:"samplingRate" validate:"gte=0,lte=1"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	ListenAddress string `json:"listenAddress" yaml:"listenAddress" validate:"required_if=Enabled true"`
	Path          string `json:"path" yaml:"path"`
}

// ValidationError is a problem found in a configuration or catalog file.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	switch {
	case ve.File != "" && ve.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", ve.File, ve.Line, ve.Column, ve.Message)
	case ve.Path != "":
		return fmt.Sprintf("%s: %s", ve.Path, ve.Message)
	default:
		return ve.Message
	}
}
