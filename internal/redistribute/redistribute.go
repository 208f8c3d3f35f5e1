// Package redistribute rebalances keys at the individual-key level when
// the fleet's membership changes (spec §3.E), streaming the designated
// pivot node's key list via the bkeys backend extension and migrating only
// the keys whose ownership actually shifted — the same add/remove pivot
// scheme the original redistribution engine uses (ds_next_server walks
// over the ring), adapted onto internal/backend.Fleet.
package redistribute

import (
	"context"
	"fmt"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/dispatch"
	"github.com/quasarcache/quasar/internal/logging"
)

// Redistributor migrates keys between nodes after an ADD has updated the
// fleet's ring, or before a REMOVE takes the node off it.
type Redistributor struct {
	fleet      *backend.Fleet
	dispatcher *dispatch.Dispatcher
}

// New builds a Redistributor over the given fleet and dispatcher.
func New(fleet *backend.Fleet, dispatcher *dispatch.Dispatcher) *Redistributor {
	return &Redistributor{fleet: fleet, dispatcher: dispatcher}
}

// Run performs the key migration for nodeID having just been added to (or
// about to be removed from) the ring. direction must be "add" or
// "remove". membership.Coordinator calls it for an add after the node is
// on the local ring and friends have been told of it, and for a remove
// before friends are told and before the node leaves the local ring.
func (r *Redistributor) Run(ctx context.Context, nodeID, direction string) error {
	switch direction {
	case "add":
		return r.redistributeForAdd(ctx, nodeID)
	case "remove":
		return r.redistributeForRemove(ctx, nodeID)
	default:
		return fmt.Errorf("redistribute: unknown direction %q", direction)
	}
}

// redistributeForAdd streams every key held by the pivot — the ring
// successor of the newly added node — and migrates to the new node any key
// whose hash now resolves there. When replication is configured, the
// replica that the shift pushes out of range is deleted; when it is not,
// the pivot's own copy is deleted instead, since the move is not a
// duplication (spec §4.I/§4.J).
func (r *Redistributor) redistributeForAdd(ctx context.Context, nodeID string) error {
	newNode, ok := r.fleet.Node(nodeID)
	if !ok {
		return fmt.Errorf("redistribute: unknown node %s", nodeID)
	}

	pivotID, ok := r.fleet.SuccessorN(nodeID, 1)
	if !ok {
		logging.Op().Info("redistribution skipped for add, no other node on ring", "node", nodeID)
		return nil
	}
	pivot, ok := r.fleet.Node(pivotID)
	if !ok {
		return fmt.Errorf("redistribute: unknown pivot node %s", pivotID)
	}

	dserverID, hasDserver := r.addDropTarget(pivotID, nodeID)

	var moved, seen int
	err := r.dispatcher.StreamKeysOn(ctx, pivot, func(key string) error {
		seen++
		owner, ok := r.fleet.PrimaryOwner(key)
		if !ok || owner != nodeID {
			return nil
		}
		if err := r.migrateKey(ctx, pivot, newNode, key); err != nil {
			logging.Op().Warn("redistribute: migrate key failed", "key", key, "from", pivot.ID, "to", newNode.ID, "error", err)
			return nil
		}
		moved++
		if hasDserver {
			if dserver, ok := r.fleet.Node(dserverID); ok {
				if _, err := r.dispatcher.DeleteOn(ctx, dserver, key); err != nil {
					logging.Op().Warn("redistribute: delete stale replica failed", "key", key, "node", dserver.ID, "error", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redistribute: stream keys from %s: %w", pivot.ID, err)
	}

	logging.Op().Info("redistribution complete for add", "node", nodeID, "pivot", pivotID, "keys_moved", moved, "keys_examined", seen)
	return nil
}

// addDropTarget computes the node that no longer needs to hold a key once
// it has been migrated to the newly added node (spec §4.I's dserver).
// With replication enabled, that is the node replications hops past the
// pivot — the replica the shift pushes out of the chain; a full revolution
// back to the pivot, or back to the node being added, means there is
// nothing to drop. With replication disabled, the pivot's own copy is the
// one to drop, since the migration does not duplicate.
func (r *Redistributor) addDropTarget(pivotID, newNodeID string) (id string, ok bool) {
	extraReplicas := r.fleet.Replications() - 1
	if extraReplicas <= 0 {
		return pivotID, true
	}
	candidate, found := r.fleet.SuccessorN(pivotID, extraReplicas)
	if !found || candidate == pivotID || candidate == newNodeID {
		return "", false
	}
	return candidate, true
}

// redistributeForRemove streams every key held by the pivot — the ring
// successor of the node about to be removed, while it is still present on
// the ring — and, for each key the current ring still assigns to the
// doomed node (meaning the pivot holds it only as a replica), copies it to
// tserver: the node replications hops past the pivot, which is about to
// fall short of the configured replica count once the doomed node is gone
// (spec §4.I/§4.J).
func (r *Redistributor) redistributeForRemove(ctx context.Context, nodeID string) error {
	if _, ok := r.fleet.Node(nodeID); !ok {
		return fmt.Errorf("redistribute: unknown node %s", nodeID)
	}

	pivotID, ok := r.fleet.SuccessorN(nodeID, 1)
	if !ok || pivotID == nodeID {
		logging.Op().Info("redistribution skipped for remove, no other node on ring", "node", nodeID)
		return nil
	}
	pivot, ok := r.fleet.Node(pivotID)
	if !ok {
		return fmt.Errorf("redistribute: unknown pivot node %s", pivotID)
	}

	extraReplicas := r.fleet.Replications() - 1
	var tserver *backend.Node
	if extraReplicas > 0 {
		if tserverID, ok := r.fleet.SuccessorN(pivotID, extraReplicas); ok && tserverID != pivotID {
			tserver, _ = r.fleet.Node(tserverID)
		}
	}

	var moved, seen int
	err := r.dispatcher.StreamKeysOn(ctx, pivot, func(key string) error {
		seen++
		owner, ok := r.fleet.PrimaryOwner(key)
		if !ok || owner != nodeID {
			return nil
		}
		if tserver == nil {
			return nil
		}
		db, found, err := r.dispatcher.BgetOn(ctx, pivot, key)
		if err != nil {
			logging.Op().Warn("redistribute: bget from pivot failed", "key", key, "node", pivot.ID, "error", err)
			return nil
		}
		if !found {
			return nil
		}
		if err := r.dispatcher.BsetOn(ctx, tserver, key, *db); err != nil {
			logging.Op().Warn("redistribute: bset to tserver failed", "key", key, "node", tserver.ID, "error", err)
			return nil
		}
		moved++
		return nil
	})
	if err != nil {
		return fmt.Errorf("redistribute: stream keys from %s: %w", pivot.ID, err)
	}

	logging.Op().Info("redistribution complete for remove", "node", nodeID, "pivot", pivotID, "keys_copied", moved, "keys_examined", seen)
	return nil
}

// migrateKey reads key's datablock from src via bget and writes it to dst
// via bset, preserving src's stat/cas bytes byte-identically (spec §6, §8).
// A read miss (key expired/evicted between the bkeys listing and the
// fetch) is not an error — there is nothing left to move.
func (r *Redistributor) migrateKey(ctx context.Context, src, dst *backend.Node, key string) error {
	db, ok, err := r.dispatcher.BgetOn(ctx, src, key)
	if err != nil {
		return fmt.Errorf("bget %s from %s: %w", key, src.ID, err)
	}
	if !ok {
		return nil
	}
	if err := r.dispatcher.BsetOn(ctx, dst, key, *db); err != nil {
		return fmt.Errorf("bset %s to %s: %w", key, dst.ID, err)
	}
	return nil
}
