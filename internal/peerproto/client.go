package peerproto

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client sends membership messages to friends and collects their replies.
// Each Send opens a short-lived connection: friend broadcasts are rare
// (only on add/remove/lock/unlock), so there is no pooling here — unlike
// the per-key backend traffic in internal/pool.
type Client struct {
	dial    func(ctx context.Context, addr string) (net.Conn, error)
	timeout time.Duration
}

// NewClient builds a Client. timeout bounds both dial and the reply read.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", addr)
		},
		timeout: timeout,
	}
}

// Send delivers msg to the friend at addr and returns its reply.
func (c *Client) Send(ctx context.Context, addr string, msg Message) (Reply, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(dialCtx, addr)
	if err != nil {
		return 0, fmt.Errorf("peerproto: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := msg.Encode(conn); err != nil {
		return 0, fmt.Errorf("peerproto: encode to %s: %w", addr, err)
	}
	reply, err := ReadReply(conn)
	if err != nil {
		return 0, fmt.Errorf("peerproto: reply from %s: %w", addr, err)
	}
	return reply, nil
}

// Result pairs a friend address with the outcome of sending it a message.
type Result struct {
	Addr  string
	Reply Reply
	Err   error
}

// Broadcast sends msg to every address in addrs concurrently and returns
// one Result per address, in no particular order. Callers implement
// rollback-on-any-reject themselves (membership.Coordinator does, per
// spec §3.D) by inspecting the returned Results.
func (c *Client) Broadcast(ctx context.Context, addrs []string, msg Message) []Result {
	results := make(chan Result, len(addrs))
	for _, addr := range addrs {
		go func(addr string) {
			reply, err := c.Send(ctx, addr, msg)
			results <- Result{Addr: addr, Reply: reply, Err: err}
		}(addr)
	}

	out := make([]Result, 0, len(addrs))
	for range addrs {
		out = append(out, <-results)
	}
	return out
}
