// Package backend models the fleet of memcached-protocol storage nodes
// behind the gateway: their membership status, request counters, and the
// connection pool each one owns.
package backend

import (
	"fmt"
	"sync"

	"github.com/quasarcache/quasar/internal/logging"
	"github.com/quasarcache/quasar/internal/ring"
)

// Fleet is the gateway's view of the backend node set: membership, the
// consistent-hash ring built over that membership, and the replication
// factor used to pick failover/replica successors.
//
// A single RWMutex guards both the node map and ring mutation together so
// that a Get/Successors lookup never observes a ring that has been resorted
// for a node the map doesn't know about yet (or vice versa).
type Fleet struct {
	mu            sync.RWMutex
	nodes         map[string]*Node
	ring          *ring.Ring
	replications  int
}

// NewFleet creates an empty fleet. replications is the number of nodes
// (including the primary owner) that each key is replicated to.
func NewFleet(replications int) *Fleet {
	if replications < 1 {
		replications = 1
	}
	return &Fleet{
		nodes:        make(map[string]*Node),
		ring:         ring.New(),
		replications: replications,
	}
}

// AddNode registers a node with the fleet and places it on the hash ring.
// The node starts in PREPARE status; health.Checker (or an explicit
// ProbeOK/ForceStatus call) transitions it to ACTIVE.
func (f *Fleet) AddNode(n *Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[n.ID] = n
	f.ring.AddNode(n.ID, n.IP, n.Port, n.ScaleFactor)
	logging.Op().Info("node added to fleet", "id", n.ID, "scale_factor", n.ScaleFactor)
}

// RemoveNode detaches a node from the ring and drops it from the fleet,
// finalizing its connection pool if one was attached. Callers are expected
// to have already driven the node through LOCKED and redistributed its
// keys before calling RemoveNode.
func (f *Fleet) RemoveNode(id string) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return nil
	}
	delete(f.nodes, id)
	f.ring.RemoveNode(id)
	if n.Pool != nil {
		n.Pool.Finalize()
	}
	logging.Op().Info("node removed from fleet", "id", id)
	return n
}

// Node returns the node registered under id, if any.
func (f *Fleet) Node(id string) (*Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.nodes[id]
	return n, ok
}

// Replications is the configured replication factor.
func (f *Fleet) Replications() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.replications
}

// SetReplications updates the replication factor (spec's "replications"
// config option may be changed via reload without a restart).
func (f *Fleet) SetReplications(n int) {
	if n < 1 {
		n = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replications = n
}

// List returns a snapshot of every registered node.
func (f *Fleet) List() []*Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out
}

// Owners returns the primary owner of key followed by its replication
// successors on the ring, filtered to nodes currently ACTIVE. The caller
// gets back at most Replications() nodes; fewer if the fleet doesn't have
// that many distinct ACTIVE nodes.
func (f *Fleet) Owners(key string) ([]*Node, error) {
	f.mu.RLock()
	primary, ok := f.ring.Get(key)
	if !ok {
		f.mu.RUnlock()
		return nil, fmt.Errorf("backend: empty fleet")
	}
	candidates := append([]string{primary}, f.ring.Successors(primary, f.replications-1)...)
	out := make([]*Node, 0, len(candidates))
	for _, id := range candidates {
		if n, ok := f.nodes[id]; ok && n.Status() == StatusActive {
			out = append(out, n)
		}
	}
	f.mu.RUnlock()

	if len(out) == 0 {
		return nil, fmt.Errorf("backend: no active owner for key")
	}
	return out, nil
}

// Candidates returns the primary owner of key followed by up to n-1
// successors on the ring, deduplicated, regardless of current status.
// Unlike Owners, it does not filter to ACTIVE: the dispatch engine uses
// this to run its own check_server wait (spec §4.C) against a candidate
// that may currently be LOCKED or PREPARE before rejecting it.
func (f *Fleet) Candidates(key string, n int) ([]*Node, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	primary, ok := f.ring.Get(key)
	if !ok {
		return nil, fmt.Errorf("backend: empty fleet")
	}
	if n < 1 {
		n = 1
	}
	ids := append([]string{primary}, f.ring.Successors(primary, n-1)...)
	out := make([]*Node, 0, n)
	for _, id := range ids {
		if len(out) >= n {
			break
		}
		if node, ok := f.nodes[id]; ok {
			out = append(out, node)
		}
	}
	return out, nil
}

// Failover returns up to n ACTIVE nodes following exclude on the ring,
// skipping exclude itself. Used when the primary owner's dispatch attempt
// fails and the caller wants the next live candidate.
func (f *Fleet) Failover(exclude string, n int) []*Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := f.ring.Successors(exclude, len(f.nodes))
	out := make([]*Node, 0, n)
	for _, id := range ids {
		if len(out) >= n {
			break
		}
		if node, ok := f.nodes[id]; ok && node.Status() == StatusActive {
			out = append(out, node)
		}
	}
	return out
}

// PrimaryOwner returns the node ID the ring currently assigns key to,
// without filtering by status — used by internal/redistribute to test
// whether a streamed key's ownership has shifted.
func (f *Fleet) PrimaryOwner(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ring.Get(key)
}

// SuccessorN returns the physical node id n hops forward from start on the
// ring, cycling through every distinct node (including start itself once a
// full revolution completes). This mirrors the circular-list walk the
// original redistribution engine performs via repeated ds_next_server
// calls, which is why it is allowed to land back on start — unlike
// ring.Ring.Successors, which excludes start and caps at len-1 hops.
func (f *Fleet) SuccessorN(start string, n int) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := f.ring.Snapshot()
	if len(ids) == 0 {
		return "", false
	}
	idx := -1
	for i, id := range ids {
		if id == start {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false
	}
	total := len(ids)
	return ids[(idx+n)%total], true
}

// RingSnapshot returns the physical node IDs in ring order, for the
// __/status/__ admin command and redistribution planning.
func (f *Fleet) RingSnapshot() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ring.Snapshot()
}
