package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipeDialer() (Dialer, func()) {
	var closeAll []net.Conn
	d := func(ctx context.Context, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		closeAll = append(closeAll, server)
		go func() {
			buf := make([]byte, 4096)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
	return d, func() {
		for _, c := range closeAll {
			_ = c.Close()
		}
	}
}

func TestAcquireReusesReleasedConn(t *testing.T) {
	dial, cleanup := pipeDialer()
	defer cleanup()

	p := New("mem:0", Config{InitConns: 1, ExtConns: 0, WaitTime: time.Second}, dial)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1, false)

	stats := p.Stats()
	require.Equal(t, 1, stats.Idle)

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Same(t, c1, c2)
}

func TestAcquireRespectsCombinedCap(t *testing.T) {
	dial, cleanup := pipeDialer()
	defer cleanup()

	p := New("mem:0", Config{InitConns: 1, ExtConns: 1, WaitTime: 50 * time.Millisecond}, dial)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, c1, c2)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	dial, cleanup := pipeDialer()
	defer cleanup()

	p := New("mem:0", Config{InitConns: 1, ExtConns: 0, WaitTime: time.Second}, dial)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		done <- c
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(c1, false)

	select {
	case c := <-done:
		require.NotNil(t, c)
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	dial, cleanup := pipeDialer()
	defer cleanup()

	p := New("mem:0", Config{InitConns: 1, ExtConns: 0, WaitTime: time.Second}, dial)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after context cancel")
	}
}

func TestFinalizeRejectsFurtherAcquire(t *testing.T) {
	dial, cleanup := pipeDialer()
	defer cleanup()

	p := New("mem:0", Config{InitConns: 1, ExtConns: 1}, dial)
	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1, false)

	p.Finalize()

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestReleaseWithResetReclaimsOverflowSlot(t *testing.T) {
	dial, cleanup := pipeDialer()
	defer cleanup()

	p := New("mem:0", Config{InitConns: 0, ExtConns: 1, WaitTime: time.Second}, dial)
	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(c1, true)
	stats := p.Stats()
	require.Equal(t, 1, stats.Idle)
	require.Equal(t, 1, stats.Overflow)
}
