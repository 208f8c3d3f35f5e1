// Package ring implements the consistent-hash placement ring described in
// component (A): one primary point per backend node plus scale_factor
// virtual points, looked up by binary search over a hash-sorted array.
//
// Ring mutations (AddNode/RemoveNode) take the embedded RWMutex for write
// access, and lookups (Get/Successors/Snapshot) take it for read access, so
// that concurrent dispatches never race a membership change.
//
// Per the cyclic-structure note in the original design: points never hold a
// pointer or index into the fleet's node slice. They hold the node's stable
// string identity ("ip:port"), which stays valid across adds/removes that
// would otherwise invalidate a slice index.
package ring

import (
	"fmt"
	"sort"
	"sync"
)

// Point is one entry on the hash circle.
type Point struct {
	Hash    uint32
	NodeID  string
	Primary bool
}

// Ring is the sorted point array plus its derived distinct-physical-node
// view, used for successor iteration.
type Ring struct {
	mu       sync.RWMutex
	points   []Point  // sorted ascending by Hash
	physical []string // distinct node IDs in ring order, first-seen by any of their points
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{}
}

// primaryKey is the ring key for a node's single primary point.
func primaryKey(ip string, port int) string {
	return fmt.Sprintf("%s-%d", ip, port)
}

// virtualKey is the ring key for the i-th virtual point of a node.
func virtualKey(ip string, i int) string {
	return fmt.Sprintf("%s-%d", ip, i)
}

// AddNode inserts one primary point and scaleFactor virtual points for the
// node identified by nodeID (expected to be "ip:port"), then resorts the
// point array and rebuilds the physical-node view. scaleFactor must be >= 0.
func (r *Ring) AddNode(nodeID, ip string, port, scaleFactor int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.points = append(r.points, Point{
		Hash:    hashKey(primaryKey(ip, port)),
		NodeID:  nodeID,
		Primary: true,
	})
	for i := 0; i < scaleFactor; i++ {
		r.points = append(r.points, Point{
			Hash:   hashKey(virtualKey(ip, i)),
			NodeID: nodeID,
		})
	}

	r.resortLocked()
}

// RemoveNode filters out every point referencing nodeID and rebuilds the
// physical-node view.
func (r *Ring) RemoveNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.points[:0]
	for _, p := range r.points {
		if p.NodeID != nodeID {
			kept = append(kept, p)
		}
	}
	r.points = kept
	r.rebuildPhysicalLocked()
}

func (r *Ring) resortLocked() {
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].Hash < r.points[j].Hash })
	r.rebuildPhysicalLocked()
}

func (r *Ring) rebuildPhysicalLocked() {
	seen := make(map[string]struct{}, len(r.points))
	physical := make([]string, 0, len(r.points))
	for _, p := range r.points {
		if _, ok := seen[p.NodeID]; ok {
			continue
		}
		seen[p.NodeID] = struct{}{}
		physical = append(physical, p.NodeID)
	}
	r.physical = physical
}

// Get returns the node owning key: binary-search for the smallest point
// whose hash is >= hash(key), wrapping to index 0 when the key hashes past
// the largest point on the circle.
func (r *Ring) Get(key string) (nodeID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return "", false
	}

	h := hashKey(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].Hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].NodeID, true
}

// Successors returns up to n distinct physical nodes following nodeID in
// ring order (wrapping), not including nodeID itself. If nodeID is not
// currently on the ring, the first node in ring order takes its place:
// results start at the second node, and the first is not returned.
func (r *Ring) Successors(nodeID string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.physical)
	if total == 0 || n <= 0 {
		return nil
	}

	start := 0
	for i, id := range r.physical {
		if id == nodeID {
			start = i
			break
		}
	}

	if n > total-1 {
		n = total - 1
	}
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.physical[(start+i)%total])
	}
	return out
}

// Len returns the number of distinct physical nodes on the ring.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.physical)
}

// Snapshot returns a copy of the distinct physical-node order, for
// admin/status reporting.
func (r *Ring) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.physical))
	copy(out, r.physical)
	return out
}

// PointCount returns the total number of points (primary + virtual) on the
// ring, for admin/status reporting and tests.
func (r *Ring) PointCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

// Sorted reports whether the point array is non-decreasing by hash — used
// by tests to assert the sortedness invariant holds after every mutation.
func (r *Ring) Sorted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 1; i < len(r.points); i++ {
		if r.points[i].Hash < r.points[i-1].Hash {
			return false
		}
	}
	return true
}
