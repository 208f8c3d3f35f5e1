package membership

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/peerproto"
	"github.com/stretchr/testify/require"
)

func startFriend(t *testing.T, fleet *backend.Fleet) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	coord := New(fleet, nil, peerproto.NewClient(time.Second), nil)
	go func() { _ = peerproto.Serve(ln, coord) }()
	return ln.Addr().String(), func() { _ = ln.Close() }
}

func TestAddServerPropagatesToFriends(t *testing.T) {
	friendFleet := backend.NewFleet(1)
	friendAddr, closeFn := startFriend(t, friendFleet)
	defer closeFn()

	localFleet := backend.NewFleet(1)
	client := peerproto.NewClient(time.Second)
	coord := New(localFleet, []string{friendAddr}, client, nil)

	require.NoError(t, coord.AddServer(context.Background(), "10.0.0.9", 11211, 8))

	_, ok := localFleet.Node("10.0.0.9:11211")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := friendFleet.Node("10.0.0.9:11211")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestRemoveServerRollsBackOnPeerReject(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = peerproto.Decode(conn)
		_ = peerproto.WriteReply(conn, peerproto.ReplyReject)
	}()

	fleet := backend.NewFleet(1)
	n := backend.NewNode("10.0.0.1", 11211, 4)
	n.ProbeOK()
	fleet.AddNode(n)

	coord := New(fleet, []string{ln.Addr().String()}, peerproto.NewClient(time.Second), nil)
	err = coord.RemoveServer(context.Background(), n.ID)
	require.Error(t, err)
	require.Equal(t, backend.StatusActive, n.Status())
}

func TestUnlockServerForcesActive(t *testing.T) {
	fleet := backend.NewFleet(1)
	n := backend.NewNode("10.0.0.1", 11211, 4)
	n.ProbeOK()
	n.TryLock("self")
	fleet.AddNode(n)

	coord := New(fleet, nil, peerproto.NewClient(time.Second), nil)
	require.NoError(t, coord.UnlockServer(context.Background(), n.ID))
	require.Equal(t, backend.StatusActive, n.Status())
}
