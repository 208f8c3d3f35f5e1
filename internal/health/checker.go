// Package health actively probes backend nodes to drive the
// PREPARE/ACTIVE/INACTIVE transitions in internal/backend.
package health

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/cache"
	"github.com/quasarcache/quasar/internal/logging"
)

// Dialer opens a connection for a probe. Production checkers dial TCP;
// tests substitute a net.Pipe-backed fake.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Config controls probe cadence and failure tolerance (spec §6
// active_check_interval / datastore_timeout).
type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	MaxConsecFails int

	// AutoDetach mirrors the auto_detach config option: when true, a node
	// that was ACTIVE and turns INACTIVE is driven through Detach (the
	// distributed REMOVE path) automatically, with no admin intervention
	// (spec §4.D).
	AutoDetach bool
	// Detach is invoked with the node's ID when AutoDetach fires. Production
	// wiring passes membership.Coordinator.RemoveServer.
	Detach func(ctx context.Context, nodeID string) error

	// Snapshot, when set, lets probe skip a redundant dial when a very
	// recent successful version probe is still within ProbeCacheTTL —
	// meant for deployments that set active_check_interval very low.
	Snapshot      *cache.SnapshotCache
	ProbeCacheTTL time.Duration
}

// Checker periodically probes every node in a Fleet with the memcached
// "version" command and drives ProbeOK/ProbeFail accordingly.
type Checker struct {
	fleet  *backend.Fleet
	dial   Dialer
	cfg    Config
	stopCh chan struct{}
}

// New builds a Checker. If dial is nil, TCP is used.
func New(fleet *backend.Fleet, cfg Config, dial Dialer) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxConsecFails <= 0 {
		cfg.MaxConsecFails = 3
	}
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Checker{fleet: fleet, dial: dial, cfg: cfg, stopCh: make(chan struct{})}
}

// Run blocks, probing every fleet node once per Interval, until ctx is
// cancelled or Stop is called.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

// Stop ends a running Run loop.
func (c *Checker) Stop() {
	close(c.stopCh)
}

func (c *Checker) probeAll(ctx context.Context) {
	for _, n := range c.fleet.List() {
		c.probeOne(ctx, n)
	}
}

func (c *Checker) probeOne(ctx context.Context, n *backend.Node) {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	wasActive := n.Status() == backend.StatusActive

	ok := c.probe(probeCtx, n.ID)
	if ok {
		if n.ProbeOK() {
			logging.Op().Info("node became active", "id", n.ID)
		}
		return
	}
	if n.ProbeFail(c.cfg.MaxConsecFails) {
		logging.Op().Warn("node became inactive", "id", n.ID)
		if c.cfg.AutoDetach && wasActive && c.cfg.Detach != nil {
			c.autoDetach(ctx, n.ID)
		}
	}
}

// autoDetach drives a previously-live node through the REMOVE path on its
// own, per spec §4.D. Run in its own goroutine, detached from the probe's
// per-probe timeout, so the ticker cadence isn't blocked on a distributed
// lock/redistribution round trip.
func (c *Checker) autoDetach(ctx context.Context, id string) {
	go func(parent context.Context) {
		if err := c.cfg.Detach(parent, id); err != nil {
			logging.Op().Warn("auto_detach remove failed", "id", id, "error", err)
		} else {
			logging.Op().Info("auto_detach removed node", "id", id)
		}
	}(detachContext(ctx))
}

// detachContext strips any deadline from ctx (the health-check run loop's
// context has none, but future callers might pass one) since a REMOVE can
// legitimately outlive a single probe cycle.
func detachContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// probe dials addr, sends "version\r\n", and returns true if a reply line
// is read back before the context deadline. When c.cfg.Snapshot is set and
// holds a version-probe result for addr still within ProbeCacheTTL, the
// dial is skipped entirely and the cached result is trusted instead.
func (c *Checker) probe(ctx context.Context, addr string) bool {
	if c.cfg.Snapshot != nil {
		if ok, found := c.cfg.Snapshot.RecentVersionProbe(ctx, addr); found {
			return ok
		}
	}

	ok := c.dialAndProbe(ctx, addr)

	if c.cfg.Snapshot != nil && c.cfg.ProbeCacheTTL > 0 {
		if err := c.cfg.Snapshot.SaveVersionProbe(ctx, addr, ok, c.cfg.ProbeCacheTTL); err != nil {
			logging.Op().Warn("health: failed to cache probe result", "node", addr, "error", err)
		}
	}
	return ok
}

func (c *Checker) dialAndProbe(ctx context.Context, addr string) bool {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte("version\r\n")); err != nil {
		return false
	}

	reader := bufio.NewReader(conn)
	_, err = reader.ReadString('\n')
	return err == nil
}
