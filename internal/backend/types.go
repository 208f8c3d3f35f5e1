// Package backend models the fleet of memcached-protocol storage nodes
// behind the gateway: their membership status, request counters, and the
// connection pool each one owns.
package backend

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Status is a node's position in the membership state machine (spec §3.C).
//
//	PREPARE -> ACTIVE | INACTIVE      (first health probe)
//	ACTIVE  <-> INACTIVE              (subsequent health probes)
//	ACTIVE  -> LOCKED -> ACTIVE        (distributed coordination, success)
//	ACTIVE  -> LOCKED -> (removed)     (distributed coordination, add/remove)
type Status int32

const (
	StatusPrepare Status = iota
	StatusActive
	StatusInactive
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusPrepare:
		return "PREPARE"
	case StatusActive:
		return "ACTIVE"
	case StatusInactive:
		return "INACTIVE"
	case StatusLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Counters tallies per-node command volume, exposed via Prometheus and the
// __/status/__ admin command.
type Counters struct {
	sets    atomic.Int64
	gets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

func (c *Counters) IncrSet()    { c.sets.Add(1) }
func (c *Counters) IncrGet()    { c.gets.Add(1) }
func (c *Counters) IncrDelete() { c.deletes.Add(1) }
func (c *Counters) IncrError()  { c.errors.Add(1) }

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() (sets, gets, deletes, errs int64) {
	return c.sets.Load(), c.gets.Load(), c.deletes.Load(), c.errors.Load()
}

// ConnPool is the subset of *pool.Pool a Node depends on. Declared as an
// interface here (rather than importing internal/pool directly) so backend
// tests can attach a fake pool without opening real sockets.
type ConnPool interface {
	Finalize()
}

// Node is one backend memcached-protocol store behind the gateway.
type Node struct {
	ID          string // "ip:port", also the ring's physical node key
	IP          string
	Port        int
	ScaleFactor int // virtual ring points beyond the one primary point

	Counters Counters
	Pool     ConnPool

	mu          sync.RWMutex
	status      Status
	consecFails int
	lastProbeAt time.Time
	lockHolder  string // peer ID that currently holds the LOCKED transition, if any
}

// NewNode builds a node in PREPARE status. It is not placed on the ring or
// registered with a Fleet until Fleet.AddNode is called.
func NewNode(ip string, port, scaleFactor int) *Node {
	return &Node{
		ID:          fmt.Sprintf("%s:%d", ip, port),
		IP:          ip,
		Port:        port,
		ScaleFactor: scaleFactor,
		status:      StatusPrepare,
	}
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *Node) LastProbeAt() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastProbeAt
}

// ProbeOK records a successful health probe. PREPARE and INACTIVE nodes
// transition to ACTIVE; a LOCKED node is left untouched since a concurrent
// membership operation owns its status.
func (n *Node) ProbeOK() (transitioned bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastProbeAt = time.Now()
	n.consecFails = 0
	if n.status == StatusPrepare || n.status == StatusInactive {
		n.status = StatusActive
		return true
	}
	return false
}

// ProbeFail records a failed health probe. ACTIVE and PREPARE nodes
// transition to INACTIVE after maxConsecFails consecutive failures; a
// LOCKED node is left untouched.
func (n *Node) ProbeFail(maxConsecFails int) (transitioned bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastProbeAt = time.Now()
	n.consecFails++
	if n.status == StatusLocked {
		return false
	}
	if n.consecFails >= maxConsecFails && n.status != StatusInactive {
		n.status = StatusInactive
		return true
	}
	return false
}

// TryLock transitions ACTIVE -> LOCKED on behalf of holder (a peer ID or
// "self"). Fails if the node is not currently ACTIVE.
func (n *Node) TryLock(holder string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusActive {
		return false
	}
	n.status = StatusLocked
	n.lockHolder = holder
	return true
}

// Unlock transitions LOCKED -> ACTIVE, releasing the lock held by holder.
// Returns false if the node was not locked by holder.
func (n *Node) Unlock(holder string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != StatusLocked || n.lockHolder != holder {
		return false
	}
	n.status = StatusActive
	n.lockHolder = ""
	return true
}

// ForceStatus is used by membership operations that bypass the normal
// probe/lock transitions (e.g. marking a node INACTIVE immediately after a
// failed ADD so it never enters rotation).
func (n *Node) ForceStatus(s Status) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.status = s
}
