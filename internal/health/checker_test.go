package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/cache"
	"github.com/stretchr/testify/require"
)

func replyingServer(t *testing.T, reply bool) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 256)
				if _, err := conn.Read(buf); err != nil {
					return
				}
				if reply {
					_, _ = conn.Write([]byte("VERSION 1.0\r\n"))
				}
			}()
		}
	}()
	return ln.Addr().String(), func() { _ = ln.Close() }
}

func TestProbeOneTransitionsPrepareToActive(t *testing.T) {
	addr, closeFn := replyingServer(t, true)
	defer closeFn()

	fleet := backend.NewFleet(1)
	n := backend.NewNode(addr[:len(addr)-6], 0, 0)
	n.ID = addr
	fleet.AddNode(n)

	c := New(fleet, Config{Timeout: time.Second}, nil)
	c.probeOne(context.Background(), n)

	require.Equal(t, backend.StatusActive, n.Status())
}

func TestProbeOneMarksInactiveAfterConsecutiveFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close() // nothing listens, connection refused

	fleet := backend.NewFleet(1)
	n := backend.NewNode("127.0.0.1", 0, 0)
	n.ID = addr
	n.ProbeOK()
	fleet.AddNode(n)

	c := New(fleet, Config{Timeout: 200 * time.Millisecond, MaxConsecFails: 2}, nil)
	c.probeOne(context.Background(), n)
	require.Equal(t, backend.StatusActive, n.Status())
	c.probeOne(context.Background(), n)
	require.Equal(t, backend.StatusInactive, n.Status())
}

func TestProbeOneAutoDetachesPreviouslyActiveNode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	fleet := backend.NewFleet(1)
	n := backend.NewNode("127.0.0.1", 0, 0)
	n.ID = addr
	n.ProbeOK()
	fleet.AddNode(n)

	detached := make(chan string, 1)
	c := New(fleet, Config{
		Timeout:        200 * time.Millisecond,
		MaxConsecFails: 1,
		AutoDetach:     true,
		Detach: func(ctx context.Context, nodeID string) error {
			detached <- nodeID
			return nil
		},
	}, nil)
	c.probeOne(context.Background(), n)

	select {
	case id := <-detached:
		require.Equal(t, addr, id)
	case <-time.After(time.Second):
		t.Fatal("auto_detach never invoked")
	}
}

func TestProbeSkipsDialWhenCachedProbeIsFresh(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close() // nothing listens: a real dial would fail

	snapshot := cache.NewSnapshotCache(cache.NewInMemoryCache())
	require.NoError(t, snapshot.SaveVersionProbe(context.Background(), addr, true, time.Minute))

	fleet := backend.NewFleet(1)
	n := backend.NewNode("127.0.0.1", 0, 0)
	n.ID = addr
	fleet.AddNode(n)

	c := New(fleet, Config{Timeout: 200 * time.Millisecond, Snapshot: snapshot, ProbeCacheTTL: time.Minute}, nil)
	c.probeOne(context.Background(), n)

	require.Equal(t, backend.StatusActive, n.Status())
}

func TestProbeCachesResultForSubsequentCalls(t *testing.T) {
	addr, closeFn := replyingServer(t, true)
	defer closeFn()

	snapshot := cache.NewSnapshotCache(cache.NewInMemoryCache())
	fleet := backend.NewFleet(1)
	n := backend.NewNode(addr[:len(addr)-6], 0, 0)
	n.ID = addr
	fleet.AddNode(n)

	c := New(fleet, Config{Timeout: time.Second, Snapshot: snapshot, ProbeCacheTTL: time.Minute}, nil)
	c.probeOne(context.Background(), n)

	ok, found := snapshot.RecentVersionProbe(context.Background(), addr)
	require.True(t, found)
	require.True(t, ok)
}

func TestProbeOneDoesNotAutoDetachNeverActiveNode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	fleet := backend.NewFleet(1)
	n := backend.NewNode("127.0.0.1", 0, 0)
	n.ID = addr
	fleet.AddNode(n)

	detached := make(chan string, 1)
	c := New(fleet, Config{
		Timeout:        200 * time.Millisecond,
		MaxConsecFails: 1,
		AutoDetach:     true,
		Detach: func(ctx context.Context, nodeID string) error {
			detached <- nodeID
			return nil
		},
	}, nil)
	c.probeOne(context.Background(), n)

	select {
	case id := <-detached:
		t.Fatalf("auto_detach invoked for node that was never ACTIVE: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}
