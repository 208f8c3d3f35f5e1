// Package config loads the gateway's configuration from a main
// "key=value" file (with nested "include" directives), a server
// definition file, and a friend definition file — the three-file layout
// the original gateway used — then applies QUASAR_-prefixed environment
// overrides on top, mirroring the teacher's LoadFromFile+LoadFromEnv
// layering.
package config

import (
	"time"
)

// Config is the gateway's full runtime configuration.
type Config struct {
	// Listener
	PortNo  int `key:"port_no"`
	Backlog int `key:"backlog"`

	// Concurrency
	WorkerThreads   int `key:"worker_threads"`
	DispatchThreads int `key:"dispatch_threads"`

	// Process
	Daemon     bool   `key:"daemon"`
	Username   string `key:"username"`
	ErrorFile  string `key:"error_file"`
	OutputFile string `key:"output_file"`
	TraceFlag  bool   `key:"trace_flag"`

	// Backend timing
	DatastoreTimeout    time.Duration `key:"datastore_timeout"`
	LockWaitTime        time.Duration `key:"lock_wait_time"`
	ActiveCheckInterval time.Duration `key:"active_check_interval"`
	AutoDetach          bool          `key:"auto_detach"`

	// Connection pool
	PoolInitConns      int           `key:"pool_init_conns"`
	PoolExtConns       int           `key:"pool_ext_conns"`
	PoolExtReleaseTime time.Duration `key:"pool_ext_release_time"`
	PoolWaitTime       time.Duration `key:"pool_wait_time"`

	// Membership
	ServerFile string `key:"server_file"`
	FriendFile string `key:"friend_file"`

	// Replication
	Replications         int           `key:"replications"`
	ReplicationThreads   int           `key:"replication_threads"`
	ReplicationDelayTime time.Duration `key:"replication_delay_time"`

	// Peer coordination
	InformedPort int `key:"informed_port"`

	// Durable store / cache. Both are optional: an empty value disables the
	// corresponding feature (audit persistence, fast-boot snapshot cache)
	// and the gateway runs exactly as it did before either existed.
	PostgresDSN   string        `key:"postgres_dsn"`
	RedisAddr     string        `key:"redis_addr"`
	ProbeCacheTTL time.Duration `key:"probe_cache_ttl"`

	Observability ObservabilityConfig
	Logging       LoggingConfig
}

// ObservabilityConfig holds OpenTelemetry tracing and Prometheus metrics
// settings, carried as ambient infrastructure regardless of which cache
// features are in scope.
type ObservabilityConfig struct {
	TracingEnabled     bool
	TracingExporter    string
	TracingEndpoint    string
	TracingServiceName string
	TracingSampleRate  float64

	MetricsEnabled   bool
	MetricsNamespace string
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string
	Format string // text, json
}

// DefaultConfig returns a Config populated with the original gateway's
// documented defaults.
func DefaultConfig() *Config {
	return &Config{
		PortNo:  11211,
		Backlog: 100,

		WorkerThreads:   8,
		DispatchThreads: 20,

		Daemon:     false,
		Username:   "",
		ErrorFile:  "",
		OutputFile: "",
		TraceFlag:  false,

		DatastoreTimeout:    3000 * time.Millisecond,
		LockWaitTime:        180 * time.Second,
		ActiveCheckInterval: 60 * time.Second,
		AutoDetach:          false,

		PoolInitConns:      10,
		PoolExtConns:       20,
		PoolExtReleaseTime: 180 * time.Second,
		PoolWaitTime:       10 * time.Second,

		ServerFile: "",
		FriendFile: "",

		Replications:         2,
		ReplicationThreads:   3,
		ReplicationDelayTime: 0,

		InformedPort: 15432,

		PostgresDSN:   "",
		RedisAddr:     "",
		ProbeCacheTTL: 30 * time.Second,

		Observability: ObservabilityConfig{
			TracingEnabled:     false,
			TracingExporter:    "otlp-http",
			TracingEndpoint:    "localhost:4318",
			TracingServiceName: "quasar",
			TracingSampleRate:  1.0,
			MetricsEnabled:     true,
			MetricsNamespace:   "quasar",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
