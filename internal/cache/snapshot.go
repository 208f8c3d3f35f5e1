package cache

import (
	"context"
	"strings"
	"time"
)

// SnapshotCache wraps a Cache to persist two pieces of short-lived gateway
// state the spec calls out explicitly: the last-known fleet ring order, so
// a freshly started peer can answer hash_server/status while its own probe
// pass is still running, and recent per-node version-probe results, so a
// very low active_check_interval does not redial a backend whose liveness
// was already confirmed moments ago.
type SnapshotCache struct {
	c Cache
}

// NewSnapshotCache wraps c. Typically c is a TieredCache over an
// InMemoryCache L1 and a RedisCache L2, so the snapshot survives a single
// gateway restart and is visible to sibling gateways sharing the same
// Redis instance.
func NewSnapshotCache(c Cache) *SnapshotCache {
	return &SnapshotCache{c: c}
}

const fleetSnapshotKey = "fleet:snapshot"

// SaveFleetSnapshot persists the current ring order. A zero TTL means the
// entry does not expire on its own — it is overwritten on every membership
// change instead.
func (s *SnapshotCache) SaveFleetSnapshot(ctx context.Context, nodeIDs []string) error {
	return s.c.Set(ctx, fleetSnapshotKey, []byte(strings.Join(nodeIDs, ",")), 0)
}

// LoadFleetSnapshot returns the last persisted ring order, if any.
func (s *SnapshotCache) LoadFleetSnapshot(ctx context.Context) (nodeIDs []string, found bool) {
	raw, err := s.c.Get(ctx, fleetSnapshotKey)
	if err != nil {
		return nil, false
	}
	if len(raw) == 0 {
		return nil, true
	}
	return strings.Split(string(raw), ","), true
}

func versionProbeKey(nodeID string) string {
	return "probe:" + nodeID
}

// SaveVersionProbe records whether nodeID answered its last version probe,
// expiring after ttl so a stale result is never trusted for long.
func (s *SnapshotCache) SaveVersionProbe(ctx context.Context, nodeID string, ok bool, ttl time.Duration) error {
	v := byte('0')
	if ok {
		v = '1'
	}
	return s.c.Set(ctx, versionProbeKey(nodeID), []byte{v}, ttl)
}

// RecentVersionProbe returns nodeID's last recorded probe result if one is
// still within its TTL.
func (s *SnapshotCache) RecentVersionProbe(ctx context.Context, nodeID string) (ok, found bool) {
	raw, err := s.c.Get(ctx, versionProbeKey(nodeID))
	if err != nil || len(raw) == 0 {
		return false, false
	}
	return raw[0] == '1', true
}
