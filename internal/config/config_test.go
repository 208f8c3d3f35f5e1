package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quasar.conf", `
# basic listener settings
port_no=12345
backlog=512
datastore_timeout=2s
auto_detach=no
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 12345, cfg.PortNo)
	require.Equal(t, 512, cfg.Backlog)
	require.Equal(t, 2*time.Second, cfg.DatastoreTimeout)
	require.False(t, cfg.AutoDetach)
	require.Equal(t, 8, cfg.WorkerThreads, "unset keys keep their default")
}

func TestLoadFromFileSupportsInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "replication.conf", "replications=3\nreplication_threads=6\n")
	path := writeFile(t, dir, "quasar.conf", "port_no=9999\ninclude replication.conf\n")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.PortNo)
	require.Equal(t, 3, cfg.Replications)
	require.Equal(t, 6, cfg.ReplicationThreads)
}

func TestLoadFromFileRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quasar.conf", "bogus_key=1\n")

	_, err := LoadFromFile(path)
	require.Error(t, err)
}

func TestLoadFromEnvOverridesFileValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PortNo = 1
	t.Setenv("QUASAR_PORT_NO", "2")
	t.Setenv("QUASAR_REPLICATIONS", "5")

	LoadFromEnv(cfg)
	require.Equal(t, 2, cfg.PortNo)
	require.Equal(t, 5, cfg.Replications)
}

func TestLoadServerFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.conf", `
# primary fleet
10.0.0.1 11311 100
10.0.0.2 11311
`)

	entries, err := LoadServerFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, ServerEntry{IP: "10.0.0.1", Port: 11311, ScaleFactor: 100}, entries[0])
	require.Equal(t, ServerEntry{IP: "10.0.0.2", Port: 11311, ScaleFactor: 1}, entries[1])
}

func TestLoadFriendFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "friends.conf", "10.0.0.9:11411\n# a comment\n10.0.0.10:11411\n")

	friends, err := LoadFriendFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.9:11411", "10.0.0.10:11411"}, friends)
}
