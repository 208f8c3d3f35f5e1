package pool

import (
	"context"
	"time"
)

// Acquire returns one connection, reusing an idle one if available,
// opening a new permanent or overflow connection if under the combined
// cap, or blocking until one is released or cfg.WaitTime elapses.
//
// Context cancellation and WaitTime race the same way: waitLocked turns
// both into a Broadcast on the pool's condition variable.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	deadline := time.Time{}
	if p.cfg.WaitTime > 0 {
		deadline = time.Now().Add(p.cfg.WaitTime)
	}

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			c.lastUsed = time.Now()
			p.mu.Unlock()
			return c, nil
		}

		if p.permanentCount < p.cfg.InitConns {
			p.permanentCount++
			c, err := p.newConnLocked(false)
			p.mu.Unlock()
			return c, err
		}

		if p.overflowCount < p.cfg.ExtConns {
			p.overflowCount++
			c, err := p.newConnLocked(true)
			p.mu.Unlock()
			return c, err
		}

		if err := p.waitLocked(ctx, deadline); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
}

// waitLocked blocks the caller on p.cond until a connection is released,
// ctx is cancelled, or deadline passes. Must be called with p.mu held; it
// releases and re-acquires the lock via cond.Wait.
func (p *Pool) waitLocked(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return ErrPoolExhausted
	}

	p.waiters++
	defer func() { p.waiters-- }()

	done := make(chan struct{})
	defer close(done)

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()
	}

	var timer *time.Timer
	if !deadline.IsZero() {
		timer = time.AfterFunc(time.Until(deadline), func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		defer timer.Stop()
	}

	p.cond.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return ErrPoolExhausted
	}
	return nil
}
