package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LoadFromFile reads a key=value configuration file, applies it over
// DefaultConfig(), and returns the result. Lines starting with "#" are
// comments; blank lines are skipped; an "include <path>" directive pulls
// in another file (relative to the including file's directory) before
// continuing, so a deployment can split backend, replication and
// observability settings into separate files.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: resolve path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: include cycle at %s", abs)
	}
	visited[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", abs, err)
	}
	defer f.Close()

	dir := filepath.Dir(abs)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "include "); ok {
			inc := strings.TrimSpace(rest)
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(dir, inc)
			}
			if err := applyFile(cfg, inc, visited); err != nil {
				return err
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("config: %s:%d: expected key=value, got %q", abs, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := setField(cfg, key, value); err != nil {
			return fmt.Errorf("config: %s:%d: %w", abs, lineNo, err)
		}
	}
	return scanner.Err()
}

// setField applies a single key=value pair to cfg. Unknown keys are
// rejected rather than silently ignored, so a typo in a deployed config
// file fails at startup instead of quietly using a default.
func setField(cfg *Config, key, value string) error {
	switch key {
	case "port_no":
		return setInt(&cfg.PortNo, value)
	case "backlog":
		return setInt(&cfg.Backlog, value)
	case "worker_threads":
		return setInt(&cfg.WorkerThreads, value)
	case "dispatch_threads":
		return setInt(&cfg.DispatchThreads, value)
	case "daemon":
		return setBool(&cfg.Daemon, value)
	case "username":
		cfg.Username = value
		return nil
	case "error_file":
		cfg.ErrorFile = value
		return nil
	case "output_file":
		cfg.OutputFile = value
		return nil
	case "trace_flag":
		return setBool(&cfg.TraceFlag, value)
	case "datastore_timeout":
		return setDuration(&cfg.DatastoreTimeout, value)
	case "lock_wait_time":
		return setDuration(&cfg.LockWaitTime, value)
	case "active_check_interval":
		return setDuration(&cfg.ActiveCheckInterval, value)
	case "auto_detach":
		return setBool(&cfg.AutoDetach, value)
	case "pool_init_conns":
		return setInt(&cfg.PoolInitConns, value)
	case "pool_ext_conns":
		return setInt(&cfg.PoolExtConns, value)
	case "pool_ext_release_time":
		return setDuration(&cfg.PoolExtReleaseTime, value)
	case "pool_wait_time":
		return setDuration(&cfg.PoolWaitTime, value)
	case "server_file":
		cfg.ServerFile = value
		return nil
	case "friend_file":
		cfg.FriendFile = value
		return nil
	case "replications":
		return setInt(&cfg.Replications, value)
	case "replication_threads":
		return setInt(&cfg.ReplicationThreads, value)
	case "replication_delay_time":
		return setDuration(&cfg.ReplicationDelayTime, value)
	case "informed_port":
		return setInt(&cfg.InformedPort, value)
	case "postgres_dsn":
		cfg.PostgresDSN = value
		return nil
	case "redis_addr":
		cfg.RedisAddr = value
		return nil
	case "probe_cache_ttl":
		return setDuration(&cfg.ProbeCacheTTL, value)
	case "log_level":
		cfg.Logging.Level = value
		return nil
	case "log_format":
		cfg.Logging.Format = value
		return nil
	case "tracing_enabled":
		return setBool(&cfg.Observability.TracingEnabled, value)
	case "tracing_endpoint":
		cfg.Observability.TracingEndpoint = value
		return nil
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("expected integer, got %q", value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, value string) error {
	switch strings.ToLower(value) {
	case "yes", "true", "1", "on":
		*dst = true
	case "no", "false", "0", "off":
		*dst = false
	default:
		return fmt.Errorf("expected boolean, got %q", value)
	}
	return nil
}

func setDuration(dst *time.Duration, value string) error {
	if n, err := strconv.Atoi(value); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("expected duration (seconds or Go duration string), got %q", value)
	}
	*dst = d
	return nil
}
