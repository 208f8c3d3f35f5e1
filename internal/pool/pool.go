// Package pool manages the lifecycle of pooled TCP connections to a single
// backend key/value store.
//
// # Design rationale
//
// Every dispatched command needs a live connection to the owning backend.
// Dialing fresh on every request would dominate request latency, so the
// pool keeps a bounded set of "permanent" connections alive plus a bounded
// "overflow" set that absorbs bursts above the permanent ceiling. A
// connection is returned to the idle set after each use and is only closed
// when it is an idle overflow connection that has sat unused for longer
// than ExtReleaseTime, or when the caller explicitly asks for reset
// (the backend reply could not be trusted, e.g. after a protocol error).
//
// # Concurrency model
//
// One sync.Mutex plus a bound sync.Cond guards all pool state. Acquire
// reuses an idle connection, opens a new permanent or overflow connection
// if under the combined cap, or blocks on the condition variable until one
// is released or WaitTime elapses. This mirrors the teacher's VM-pool
// acquisition loop (condition variable plus a goroutine that turns context
// cancellation/timeout into a Broadcast), adapted from VM replicas to
// net.Conn.
//
// # Invariants
//
//   - A connection handed out by Acquire is owned by exactly one caller
//     until it is returned via Release.
//   - permanentCount + overflowCount never exceeds InitConns + ExtConns.
//   - Once closed is set (via Finalize), no new connections are created
//     and Acquire fails immediately.
package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quasarcache/quasar/internal/logging"
)

// ErrPoolExhausted is returned when WaitTime elapses with no connection
// available and the combined cap has already been reached.
var ErrPoolExhausted = errors.New("pool: exhausted")

// ErrPoolClosed is returned by Acquire once Finalize has run.
var ErrPoolClosed = errors.New("pool: closed")

// ErrDial is returned when the underlying dial fails; its presence signals
// to callers (the backend status machine) that the node may be unreachable.
var ErrDial = errors.New("pool: dial failed")

// Dialer opens a new connection to the backend. Production pools dial TCP;
// tests substitute an in-memory net.Pipe dialer.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// DefaultDialer dials TCP with the pool's configured DialTimeout.
func DefaultDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Config holds the per-node pool policy (spec §4.B / §6 pool_* options).
type Config struct {
	InitConns      int           // permanent connections kept alive
	ExtConns       int           // overflow connections allowed above InitConns
	ExtReleaseTime time.Duration // idle overflow connections older than this are closed
	WaitTime       time.Duration // bound on a blocking Acquire
	DialTimeout    time.Duration
}

// Conn is a handle to a borrowed connection. Callers must return it via
// Release exactly once.
type Conn struct {
	NetConn  net.Conn
	overflow bool
	lastUsed time.Time
}

// Stats is a point-in-time snapshot of pool occupancy, used by the
// __/status/__ admin command and Prometheus gauges.
type Stats struct {
	Permanent int
	Overflow  int
	Idle      int
	InUse     int
	Waiters   int
}

// Pool is a bounded connection pool for one backend address.
type Pool struct {
	addr string
	cfg  Config
	dial Dialer

	mu             sync.Mutex
	cond           *sync.Cond
	idle           []*Conn
	permanentCount int
	overflowCount  int
	waiters        int
	closed         bool
}

// New creates a pool for addr. If cfg.DialTimeout is zero a 3s default is
// used; callers normally derive DialTimeout from Config.DatastoreTimeout.
func New(addr string, cfg Config, dial Dialer) *Pool {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	if dial == nil {
		dial = DefaultDialer(cfg.DialTimeout)
	}
	p := &Pool{
		addr: addr,
		cfg:  cfg,
		dial: dial,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Addr returns the backend address this pool serves.
func (p *Pool) Addr() string { return p.addr }

func (p *Pool) newConnLocked(overflow bool) (*Conn, error) {
	p.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	nc, err := p.dial(ctx, p.addr)
	cancel()
	p.mu.Lock()

	if err != nil {
		if overflow {
			p.overflowCount--
		} else {
			p.permanentCount--
		}
		logging.Op().Warn("pool: dial failed", "addr", p.addr, "error", err)
		return nil, errors.Join(ErrDial, err)
	}
	return &Conn{NetConn: nc, overflow: overflow, lastUsed: time.Now()}, nil
}
