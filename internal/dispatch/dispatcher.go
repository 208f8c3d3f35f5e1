package dispatch

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/gwerrors"
	"github.com/quasarcache/quasar/internal/logging"
	"github.com/quasarcache/quasar/internal/pool"
)

// checkServerPollInterval is how often waitActive re-reads a candidate's
// status while it busy-waits for ACTIVE, mirroring the polling check_server
// loop spec §4.C describes.
const checkServerPollInterval = 20 * time.Millisecond

// Dispatcher resolves keys to owning nodes via a *backend.Fleet and
// executes memcached commands against them, failing over to the next
// ring successor when the current attempt errors.
type Dispatcher struct {
	fleet        *backend.Fleet
	poolCfg      pool.Config
	maxRetries   int
	lockWaitTime time.Duration

	mu    sync.RWMutex
	pools map[string]*pool.Pool
}

// New builds a Dispatcher. maxRetries bounds how many additional
// successors are tried after the primary owner fails. lockWaitTime bounds
// how long a LOCKED or not-yet-probed candidate is waited on for ACTIVE
// before it's passed over (spec's lock_wait_time, §4.C).
func New(fleet *backend.Fleet, poolCfg pool.Config, maxRetries int, lockWaitTime time.Duration) *Dispatcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Dispatcher{
		fleet:        fleet,
		poolCfg:      poolCfg,
		maxRetries:   maxRetries,
		lockWaitTime: lockWaitTime,
		pools:        make(map[string]*pool.Pool),
	}
}

// poolFor returns (lazily creating) the connection pool for n.
func (d *Dispatcher) poolFor(n *backend.Node) *pool.Pool {
	d.mu.RLock()
	p, ok := d.pools[n.ID]
	d.mu.RUnlock()
	if ok {
		return p
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pools[n.ID]; ok {
		return p
	}
	p = pool.New(n.ID, d.poolCfg, nil)
	d.pools[n.ID] = p
	n.Pool = p
	return p
}

// candidates returns the primary owner of key followed by up to
// maxRetries failover successors that are ACTIVE — or become ACTIVE within
// lockWaitTime of a check_server wait (spec §4.C/§5: "dispatches ...
// cooperate by waiting in check_server"). A candidate found INACTIVE is
// skipped immediately rather than waited on.
func (d *Dispatcher) candidates(ctx context.Context, key string) ([]*backend.Node, error) {
	all, err := d.fleet.Candidates(key, d.maxRetries+1)
	if err != nil {
		return nil, err
	}

	out := make([]*backend.Node, 0, len(all))
	for _, n := range all {
		if d.waitActive(ctx, n) {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, gwerrors.New(gwerrors.KindNodeUnavailable, "no active owner for key", gwerrors.ErrNoEligibleNode)
	}
	return out, nil
}

// waitActive implements check_server: if n is already ACTIVE, return
// immediately. An INACTIVE node fails immediately — the health checker has
// already given up on it and there's nothing to wait for. A LOCKED node
// (mid membership operation) or a PREPARE node (not yet probed) is polled
// until it becomes ACTIVE, until it turns INACTIVE, or until lockWaitTime
// elapses, whichever comes first.
func (d *Dispatcher) waitActive(ctx context.Context, n *backend.Node) bool {
	switch n.Status() {
	case backend.StatusActive:
		return true
	case backend.StatusInactive:
		return false
	}
	if d.lockWaitTime <= 0 {
		return n.Status() == backend.StatusActive
	}

	deadline := time.Now().Add(d.lockWaitTime)
	ticker := time.NewTicker(checkServerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case now := <-ticker.C:
			switch n.Status() {
			case backend.StatusActive:
				return true
			case backend.StatusInactive:
				return false
			}
			if now.After(deadline) {
				return false
			}
		}
	}
}

// withConn borrows a connection to n, runs fn, and releases the connection
// — resetting it (closing and redialing before returning to idle) if fn
// reports the backend's reply could not be trusted.
func (d *Dispatcher) withConn(ctx context.Context, n *backend.Node, fn func(*bufio.Reader, *bufio.Writer) (reset bool, err error)) error {
	p := d.poolFor(n)
	conn, err := p.Acquire(ctx)
	if err != nil {
		n.Counters.IncrError()
		return gwerrors.New(gwerrors.KindPoolExhausted, "no connection available for "+n.ID, err)
	}

	r := bufio.NewReader(conn.NetConn)
	w := bufio.NewWriter(conn.NetConn)
	reset, err := fn(r, w)
	p.Release(conn, reset)

	if err != nil {
		n.Counters.IncrError()
	}
	return err
}

// Get resolves key to its primary owner (failing over to successors on
// error) and returns its value. It stops at the first owner that answers:
// ok=false means that owner does not hold the key, and later successors
// are not asked.
func (d *Dispatcher) Get(ctx context.Context, key string) (item *Item, ok bool, err error) {
	candidates, err := d.candidates(ctx, key)
	if err != nil {
		return nil, false, err
	}

	var lastErr error
	for _, n := range candidates {
		n.Counters.IncrGet()
		execErr := d.withConn(ctx, n, func(r *bufio.Reader, w *bufio.Writer) (bool, error) {
			if err := SendGet(w, key); err != nil {
				return true, err
			}
			got, err := RecvGet(r)
			if err != nil {
				return true, err
			}
			item = got
			return false, nil
		})
		if execErr == nil {
			return item, item != nil, nil
		}
		lastErr = execErr
		logging.Op().Warn("dispatch: get failed, trying next owner", "key", key, "node", n.ID, "error", execErr)
	}
	return nil, false, lastErr
}

// Set writes it to key's primary owner (failing over to successors on
// error), returning the node the write actually landed on. Replication to
// the remaining replicas is handled by the caller (internal/replication),
// which re-reads the authoritative copy from that node via BgetOn rather
// than trusting the client-supplied Item, so cas/stat round-trip exactly
// (spec §4.G).
func (d *Dispatcher) Set(ctx context.Context, it Item) (*backend.Node, error) {
	candidates, err := d.candidates(ctx, it.Key)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, n := range candidates {
		n.Counters.IncrSet()
		execErr := d.withConn(ctx, n, func(r *bufio.Reader, w *bufio.Writer) (bool, error) {
			if err := SendSet(w, it); err != nil {
				return true, err
			}
			if err := RecvSet(r); err != nil {
				return true, err
			}
			return false, nil
		})
		if execErr == nil {
			return n, nil
		}
		lastErr = execErr
		logging.Op().Warn("dispatch: set failed, trying next owner", "key", it.Key, "node", n.ID, "error", execErr)
	}
	return nil, lastErr
}

// Delete removes key from its primary owner, failing over to successors.
func (d *Dispatcher) Delete(ctx context.Context, key string) (deleted bool, err error) {
	candidates, err := d.candidates(ctx, key)
	if err != nil {
		return false, err
	}

	var lastErr error
	for _, n := range candidates {
		n.Counters.IncrDelete()
		execErr := d.withConn(ctx, n, func(r *bufio.Reader, w *bufio.Writer) (bool, error) {
			if err := SendDelete(w, key); err != nil {
				return true, err
			}
			d, err := RecvDelete(r)
			if err != nil {
				return true, err
			}
			deleted = d
			return false, nil
		})
		if execErr == nil {
			return deleted, nil
		}
		lastErr = execErr
		logging.Op().Warn("dispatch: delete failed, trying next owner", "key", key, "node", n.ID, "error", execErr)
	}
	return false, lastErr
}

// StreamKeysOn streams every key n currently holds via the bkeys backend
// extension, calling fn for each one as it arrives. The whole pass runs
// over a single borrowed connection, since bkeys is one unbounded stream
// terminated by a zero-length key rather than a cursor-paginated batch
// (spec §6); used by internal/redistribute to walk a node's key set during
// add/remove rebalancing.
func (d *Dispatcher) StreamKeysOn(ctx context.Context, n *backend.Node, fn func(key string) error) error {
	return d.withConn(ctx, n, func(r *bufio.Reader, w *bufio.Writer) (bool, error) {
		if err := SendBkeys(w); err != nil {
			return true, err
		}
		for {
			key, done, err := RecvBkeysKey(r)
			if err != nil {
				return true, err
			}
			if done {
				return false, nil
			}
			if err := fn(key); err != nil {
				return true, err
			}
		}
	})
}

// BgetOn issues a binary bget against a specific node, returning the raw
// stat+cas+data datablock it holds for key — used by replication and
// redistribution to read the authoritative copy without reinterpreting
// its flags/exptime (spec §6).
func (d *Dispatcher) BgetOn(ctx context.Context, n *backend.Node, key string) (db *Datablock, ok bool, err error) {
	err = d.withConn(ctx, n, func(r *bufio.Reader, w *bufio.Writer) (bool, error) {
		if err := SendBget(w, key); err != nil {
			return true, err
		}
		got, found, err := RecvBget(r)
		if err != nil {
			return true, err
		}
		db, ok = got, found
		return false, nil
	})
	return db, ok, err
}

// BsetOn issues a binary bset against a specific node with db's raw
// payload, preserving the origin's stat/cas bytes exactly — used by
// replication and redistribution to migrate or fan out a value
// byte-identically (spec §6).
func (d *Dispatcher) BsetOn(ctx context.Context, n *backend.Node, key string, db Datablock) error {
	return d.withConn(ctx, n, func(r *bufio.Reader, w *bufio.Writer) (bool, error) {
		if err := SendBset(w, key, db); err != nil {
			return true, err
		}
		if err := RecvBset(r); err != nil {
			return true, err
		}
		return false, nil
	})
}

// DeleteOn runs a Delete against a specific node, bypassing owner
// resolution — used by internal/replication to fan a delete out to every
// replica.
func (d *Dispatcher) DeleteOn(ctx context.Context, n *backend.Node, key string) (bool, error) {
	var deleted bool
	err := d.withConn(ctx, n, func(r *bufio.Reader, w *bufio.Writer) (bool, error) {
		if err := SendDelete(w, key); err != nil {
			return true, err
		}
		d, err := RecvDelete(r)
		if err != nil {
			return true, err
		}
		deleted = d
		return false, nil
	})
	return deleted, err
}

// ExecuteRaw forwards line verbatim to key's owner (with the usual
// failover across successors) and returns the single reply line the
// backend sends back — used for verbs the gateway routes by key but does
// not otherwise interpret, such as incr/decr.
func (d *Dispatcher) ExecuteRaw(ctx context.Context, key, line string) (reply string, err error) {
	candidates, err := d.candidates(ctx, key)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, n := range candidates {
		execErr := d.withConn(ctx, n, func(r *bufio.Reader, w *bufio.Writer) (bool, error) {
			if err := SendRaw(w, line); err != nil {
				return true, err
			}
			got, err := RecvRawLine(r)
			if err != nil {
				return true, err
			}
			reply = got
			return false, nil
		})
		if execErr == nil {
			return reply, nil
		}
		lastErr = execErr
		logging.Op().Warn("dispatch: raw command failed, trying next owner", "key", key, "node", n.ID, "error", execErr)
	}
	return "", lastErr
}
