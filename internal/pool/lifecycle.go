package pool

import (
	"time"

	"github.com/quasarcache/quasar/internal/logging"
)

// Release returns c to the idle set. When reset is true the connection is
// closed and a fresh one dialed before being placed back in idle — used
// after a backend protocol error or timeout, where stale bytes may still
// be in flight on the wire and the caller cannot trust the socket's state.
//
// Release also runs one pass of idle-overflow reclaim: any idle overflow
// connection older than cfg.ExtReleaseTime is closed instead of kept,
// mirroring the original gateway's "closed on next release" policy.
func (p *Pool) Release(c *Conn, reset bool) {
	if c == nil {
		return
	}

	if reset {
		_ = c.NetConn.Close()
		fresh, err := p.redial(c.overflow)
		if err != nil {
			// Couldn't reopen; drop the slot entirely so the pool doesn't
			// wedge at the cap with a phantom connection.
			p.mu.Lock()
			if c.overflow {
				p.overflowCount--
			} else {
				p.permanentCount--
			}
			p.cond.Broadcast()
			p.mu.Unlock()
			return
		}
		c = fresh
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		_ = c.NetConn.Close()
		if c.overflow {
			p.overflowCount--
		} else {
			p.permanentCount--
		}
		p.cond.Broadcast()
		return
	}

	c.lastUsed = time.Now()
	p.idle = append(p.idle, c)
	p.reclaimIdleOverflowLocked()
	p.cond.Broadcast()
}

// redial opens a replacement connection without touching pool-level
// counters (the slot is already reserved by the connection being reset).
func (p *Pool) redial(overflow bool) (*Conn, error) {
	p.mu.Lock()
	c, err := p.newConnLocked(overflow)
	p.mu.Unlock()
	return c, err
}

// reclaimIdleOverflowLocked closes idle overflow connections that have sat
// unused longer than cfg.ExtReleaseTime. Must be called with p.mu held.
func (p *Pool) reclaimIdleOverflowLocked() {
	if p.cfg.ExtReleaseTime <= 0 {
		return
	}
	now := time.Now()
	kept := p.idle[:0]
	for _, c := range p.idle {
		if c.overflow && now.Sub(c.lastUsed) > p.cfg.ExtReleaseTime {
			_ = c.NetConn.Close()
			p.overflowCount--
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
}

// Finalize closes every connection — idle and none currently borrowed can
// be tracked here, so callers must ensure all in-flight dispatches have
// drained before calling Finalize (the membership coordinator does this
// by transitioning the node to LOCKED/removed before detaching the pool).
func (p *Pool) Finalize() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.idle {
		_ = c.NetConn.Close()
	}
	p.idle = nil
	p.permanentCount = 0
	p.overflowCount = 0
	logging.Op().Info("pool finalized", "addr", p.addr)
	p.cond.Broadcast()
}
