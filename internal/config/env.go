package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv overlays QUASAR_-prefixed environment variables onto cfg,
// mirroring the teacher's env-override-after-file-load layering: any
// variable that is set wins over both the default and the file value,
// so a container deployment can tweak a handful of knobs without
// shipping a new config file.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUASAR_PORT_NO"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PortNo = n
		}
	}
	if v := os.Getenv("QUASAR_BACKLOG"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backlog = n
		}
	}
	if v := os.Getenv("QUASAR_WORKER_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerThreads = n
		}
	}
	if v := os.Getenv("QUASAR_DISPATCH_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DispatchThreads = n
		}
	}
	if v := os.Getenv("QUASAR_DAEMON"); v != "" {
		cfg.Daemon = parseBool(v, cfg.Daemon)
	}
	if v := os.Getenv("QUASAR_USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := os.Getenv("QUASAR_ERROR_FILE"); v != "" {
		cfg.ErrorFile = v
	}
	if v := os.Getenv("QUASAR_OUTPUT_FILE"); v != "" {
		cfg.OutputFile = v
	}
	if v := os.Getenv("QUASAR_TRACE_FLAG"); v != "" {
		cfg.TraceFlag = parseBool(v, cfg.TraceFlag)
	}
	if v := os.Getenv("QUASAR_DATASTORE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DatastoreTimeout = d
		}
	}
	if v := os.Getenv("QUASAR_LOCK_WAIT_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockWaitTime = d
		}
	}
	if v := os.Getenv("QUASAR_ACTIVE_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ActiveCheckInterval = d
		}
	}
	if v := os.Getenv("QUASAR_AUTO_DETACH"); v != "" {
		cfg.AutoDetach = parseBool(v, cfg.AutoDetach)
	}
	if v := os.Getenv("QUASAR_POOL_INIT_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolInitConns = n
		}
	}
	if v := os.Getenv("QUASAR_POOL_EXT_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolExtConns = n
		}
	}
	if v := os.Getenv("QUASAR_POOL_EXT_RELEASE_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PoolExtReleaseTime = d
		}
	}
	if v := os.Getenv("QUASAR_POOL_WAIT_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PoolWaitTime = d
		}
	}
	if v := os.Getenv("QUASAR_SERVER_FILE"); v != "" {
		cfg.ServerFile = v
	}
	if v := os.Getenv("QUASAR_FRIEND_FILE"); v != "" {
		cfg.FriendFile = v
	}
	if v := os.Getenv("QUASAR_REPLICATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Replications = n
		}
	}
	if v := os.Getenv("QUASAR_REPLICATION_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReplicationThreads = n
		}
	}
	if v := os.Getenv("QUASAR_REPLICATION_DELAY_TIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReplicationDelayTime = d
		}
	}
	if v := os.Getenv("QUASAR_INFORMED_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InformedPort = n
		}
	}
	if v := os.Getenv("QUASAR_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("QUASAR_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("QUASAR_PROBE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ProbeCacheTTL = d
		}
	}
	if v := os.Getenv("QUASAR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUASAR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("QUASAR_TRACING_ENABLED"); v != "" {
		cfg.Observability.TracingEnabled = parseBool(v, cfg.Observability.TracingEnabled)
	}
	if v := os.Getenv("QUASAR_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.TracingEndpoint = v
	}
}

func parseBool(v string, fallback bool) bool {
	switch v {
	case "1", "true", "TRUE", "yes", "on":
		return true
	case "0", "false", "FALSE", "no", "off":
		return false
	default:
		return fallback
	}
}
