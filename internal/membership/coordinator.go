// Package membership drives add/remove/unlock/hash admin operations,
// coordinating with sibling gateway processes ("friends", spec §3.D) over
// internal/peerproto: the node is locked on every friend before the
// initiating gateway commits the change locally, and friends are then told
// to apply the same add or remove so that every gateway converges on the
// same ring view.
package membership

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/cache"
	"github.com/quasarcache/quasar/internal/gwerrors"
	"github.com/quasarcache/quasar/internal/logging"
	"github.com/quasarcache/quasar/internal/peerproto"
	"github.com/quasarcache/quasar/internal/store"
)

// RedistributeFunc is invoked after a node is added (direction="add") or
// before it is removed (direction="remove") so key-level rebalancing (spec
// §3.E, internal/redistribute) runs as part of the same admin operation.
type RedistributeFunc func(ctx context.Context, nodeID, direction string) error

// Coordinator applies membership changes to a local Fleet and keeps
// friend gateways in sync.
type Coordinator struct {
	fleet        *backend.Fleet
	friends      []string
	client       *peerproto.Client
	redistribute RedistributeFunc

	// store and snapshot are optional: a gateway run without Postgres/Redis
	// configured simply skips audit persistence and fast-boot caching
	// (spec's durable fleet/audit store and negative-cache snapshot).
	store    *store.PostgresStore
	snapshot *cache.SnapshotCache
	auditSeq atomic.Uint64

	mu           sync.Mutex
	pendingLocks map[string]struct{}
}

// New builds a Coordinator. friends is the configured list of sibling
// gateway addresses read from the friend definition file.
func New(fleet *backend.Fleet, friends []string, client *peerproto.Client, redistribute RedistributeFunc) *Coordinator {
	return &Coordinator{
		fleet:        fleet,
		friends:      friends,
		client:       client,
		redistribute: redistribute,
		pendingLocks: make(map[string]struct{}),
	}
}

// SetStore attaches the durable fleet/audit store. Call once before the
// coordinator starts handling admin operations; nil disables persistence.
func (c *Coordinator) SetStore(s *store.PostgresStore) {
	c.store = s
}

// SetSnapshotCache attaches the fast-boot fleet snapshot cache. Call once
// before the coordinator starts handling admin operations; nil disables it.
func (c *Coordinator) SetSnapshotCache(s *cache.SnapshotCache) {
	c.snapshot = s
}

func allOK(results []peerproto.Result) bool {
	for _, r := range results {
		if r.Err != nil || r.Reply != peerproto.ReplyOK {
			return false
		}
	}
	return true
}

// AddServer reserves nodeID across every friend, adds it to the local
// fleet and ring in PREPARE status (health.Checker brings it to ACTIVE),
// tells friends to mirror the add, then redistributes keys that now
// belong to the new node.
func (c *Coordinator) AddServer(ctx context.Context, ip string, port, scaleFactor int) error {
	id := fmt.Sprintf("%s:%d", ip, port)

	if !c.broadcastLock(ctx, id) {
		return gwerrors.New(gwerrors.KindPeerReject, "peer rejected add "+id, gwerrors.ErrPeerReject)
	}

	node := backend.NewNode(ip, port, scaleFactor)
	c.fleet.AddNode(node)
	c.client.Broadcast(ctx, c.friends, peerproto.Message{Verb: peerproto.VerbAdd, NodeID: id, ScaleFactor: uint16(scaleFactor)})

	if c.redistribute != nil {
		if err := c.redistribute(ctx, id, "add"); err != nil {
			logging.Op().Warn("redistribution after add failed", "node", id, "error", err)
		}
	}

	c.persistAdd(ctx, id, ip, port, scaleFactor)
	logging.Op().Info("server added", "id", id, "scale_factor", scaleFactor)
	return nil
}

// RemoveServer locks nodeID locally and across friends, redistributes its
// keys to their new owners, then removes it from the fleet and ring and
// tells friends to mirror the removal.
func (c *Coordinator) RemoveServer(ctx context.Context, id string) error {
	node, ok := c.fleet.Node(id)
	if !ok {
		return fmt.Errorf("membership: unknown node %s", id)
	}
	if !node.TryLock("self") {
		return gwerrors.New(gwerrors.KindPeerReject, "node busy, cannot remove "+id, nil)
	}

	if !c.broadcastLock(ctx, id) {
		node.Unlock("self")
		return gwerrors.New(gwerrors.KindPeerReject, "peer rejected remove "+id, gwerrors.ErrPeerReject)
	}

	if c.redistribute != nil {
		if err := c.redistribute(ctx, id, "remove"); err != nil {
			c.client.Broadcast(ctx, c.friends, peerproto.Message{Verb: peerproto.VerbUnlock, NodeID: id})
			node.Unlock("self")
			return fmt.Errorf("membership: redistribution before remove failed: %w", err)
		}
	}

	c.client.Broadcast(ctx, c.friends, peerproto.Message{Verb: peerproto.VerbRemove, NodeID: id})
	c.fleet.RemoveNode(id)

	c.persistRemove(ctx, id)
	logging.Op().Info("server removed", "id", id)
	return nil
}

// UnlockServer forces a LOCKED node back to ACTIVE, both locally and on
// every friend. Used by the admin "unlock" command when a coordinator
// crashed mid-operation and left a node stuck.
func (c *Coordinator) UnlockServer(ctx context.Context, id string) error {
	node, ok := c.fleet.Node(id)
	if !ok {
		return fmt.Errorf("membership: unknown node %s", id)
	}
	node.ForceStatus(backend.StatusActive)
	c.client.Broadcast(ctx, c.friends, peerproto.Message{Verb: peerproto.VerbUnlock, NodeID: id})
	c.recordAudit(ctx, id, "unlock", "")
	logging.Op().Info("server force-unlocked", "id", id)
	return nil
}

// HashServer is purely informational: for each key it resolves the
// current owner and returns one "key -> owner" line per key.
func (c *Coordinator) HashServer(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		owners, err := c.fleet.Owners(key)
		if err != nil || len(owners) == 0 {
			out = append(out, fmt.Sprintf("%s -> (no owner)", key))
			continue
		}
		out = append(out, fmt.Sprintf("%s -> %s", key, owners[0].ID))
	}
	return out
}

// persistAdd upserts the node into the durable fleet store, appends an
// audit entry, and refreshes the fast-boot ring snapshot. Best-effort:
// failures are logged, never returned, since the in-memory fleet is
// already the source of truth for serving traffic.
func (c *Coordinator) persistAdd(ctx context.Context, id, ip string, port, scaleFactor int) {
	if c.store != nil {
		if err := c.store.SaveFleetNode(ctx, store.FleetNode{ID: id, IP: ip, Port: port, ScaleFactor: scaleFactor}); err != nil {
			logging.Op().Warn("membership: failed to persist fleet node", "id", id, "error", err)
		}
	}
	c.recordAudit(ctx, id, "add", fmt.Sprintf("scale_factor=%d", scaleFactor))
	c.publishSnapshot(ctx)
}

// persistRemove deletes the node from the durable fleet store, appends an
// audit entry, and refreshes the fast-boot ring snapshot.
func (c *Coordinator) persistRemove(ctx context.Context, id string) {
	if c.store != nil {
		if err := c.store.RemoveFleetNode(ctx, id); err != nil {
			logging.Op().Warn("membership: failed to remove persisted fleet node", "id", id, "error", err)
		}
	}
	c.recordAudit(ctx, id, "remove", "")
	c.publishSnapshot(ctx)
}

// recordAudit appends one membership-change row to the durable audit log.
// The sequence number is local bookkeeping to order rows within this
// process's lifetime — distinct from, and not transmitted as, the peer
// wire protocol's verbs (spec §4.H carries no room for one).
func (c *Coordinator) recordAudit(ctx context.Context, id, action, detail string) {
	if c.store == nil {
		return
	}
	seq := c.auditSeq.Add(1)
	if err := c.store.RecordMembershipChange(ctx, id, action, seq, detail); err != nil {
		logging.Op().Warn("membership: failed to record audit entry", "id", id, "action", action, "error", err)
	}
}

func (c *Coordinator) publishSnapshot(ctx context.Context) {
	if c.snapshot == nil {
		return
	}
	if err := c.snapshot.SaveFleetSnapshot(ctx, c.fleet.RingSnapshot()); err != nil {
		logging.Op().Warn("membership: failed to publish fleet snapshot", "error", err)
	}
}

func (c *Coordinator) broadcastLock(ctx context.Context, id string) bool {
	if len(c.friends) == 0 {
		return true
	}
	results := c.client.Broadcast(ctx, c.friends, peerproto.Message{Verb: peerproto.VerbLock, NodeID: id})
	if allOK(results) {
		return true
	}
	c.client.Broadcast(ctx, c.friends, peerproto.Message{Verb: peerproto.VerbUnlock, NodeID: id})
	return false
}

// Handle implements peerproto.Handler for LOCK/UNLOCK/ADD/REMOVE messages
// arriving from friend gateways whose own admin operation is in flight.
func (c *Coordinator) Handle(msg peerproto.Message) peerproto.Reply {
	switch msg.Verb {
	case peerproto.VerbLock:
		return c.handleLock(msg.NodeID)
	case peerproto.VerbUnlock:
		return c.handleUnlock(msg.NodeID)
	case peerproto.VerbAdd:
		return c.handleAdd(msg.NodeID, int(msg.ScaleFactor))
	case peerproto.VerbRemove:
		c.fleet.RemoveNode(msg.NodeID)
		c.persistRemove(context.Background(), msg.NodeID)
		return peerproto.ReplyOK
	default:
		return peerproto.ReplyReject
	}
}

func (c *Coordinator) handleLock(id string) peerproto.Reply {
	if n, ok := c.fleet.Node(id); ok {
		if n.TryLock(id) {
			return peerproto.ReplyOK
		}
		return peerproto.ReplyReject
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pendingLocks[id]; exists {
		return peerproto.ReplyReject
	}
	c.pendingLocks[id] = struct{}{}
	return peerproto.ReplyOK
}

func (c *Coordinator) handleUnlock(id string) peerproto.Reply {
	if n, ok := c.fleet.Node(id); ok {
		n.Unlock(id)
		return peerproto.ReplyOK
	}
	c.mu.Lock()
	delete(c.pendingLocks, id)
	c.mu.Unlock()
	return peerproto.ReplyOK
}

func (c *Coordinator) handleAdd(id string, scaleFactor int) peerproto.Reply {
	c.mu.Lock()
	delete(c.pendingLocks, id)
	c.mu.Unlock()

	if _, ok := c.fleet.Node(id); ok {
		return peerproto.ReplyOK
	}
	ip, port, err := splitNodeID(id)
	if err != nil {
		logging.Op().Warn("membership: malformed node id from peer", "id", id, "error", err)
		return peerproto.ReplyReject
	}
	c.fleet.AddNode(backend.NewNode(ip, port, scaleFactor))
	c.persistAdd(context.Background(), id, ip, port, scaleFactor)
	return peerproto.ReplyOK
}

func splitNodeID(id string) (ip string, port int, err error) {
	idx := strings.LastIndex(id, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port in %q", id)
	}
	port, err = strconv.Atoi(id[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q: %w", id, err)
	}
	return id[:idx], port, nil
}
