package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func activeNode(ip string, port int) *Node {
	n := NewNode(ip, port, 4)
	n.ProbeOK()
	return n
}

func TestOwnersReturnsReplicationFactorActiveNodes(t *testing.T) {
	f := NewFleet(2)
	for i := 0; i < 4; i++ {
		f.AddNode(activeNode("10.0.0.1", 11211+i))
	}

	owners, err := f.Owners("some-key")
	require.NoError(t, err)
	require.Len(t, owners, 2)
	require.NotEqual(t, owners[0].ID, owners[1].ID)
}

func TestOwnersSkipsInactiveNodes(t *testing.T) {
	f := NewFleet(3)
	n1 := activeNode("10.0.0.1", 11211)
	n2 := NewNode("10.0.0.1", 11212, 4) // left in PREPARE, never probed active
	n3 := activeNode("10.0.0.1", 11213)
	f.AddNode(n1)
	f.AddNode(n2)
	f.AddNode(n3)

	owners, err := f.Owners("some-key")
	require.NoError(t, err)
	for _, o := range owners {
		require.NotEqual(t, n2.ID, o.ID)
	}
}

func TestOwnersErrorsOnEmptyFleet(t *testing.T) {
	f := NewFleet(1)
	_, err := f.Owners("anything")
	require.Error(t, err)
}

func TestRemoveNodeDropsFromRing(t *testing.T) {
	f := NewFleet(1)
	n := activeNode("10.0.0.1", 11211)
	f.AddNode(n)
	require.Len(t, f.RingSnapshot(), 1)

	removed := f.RemoveNode(n.ID)
	require.NotNil(t, removed)
	require.Empty(t, f.RingSnapshot())

	_, ok := f.Node(n.ID)
	require.False(t, ok)
}

func TestNodeStatusTransitions(t *testing.T) {
	n := NewNode("10.0.0.1", 11211, 0)
	require.Equal(t, StatusPrepare, n.Status())

	require.True(t, n.ProbeOK())
	require.Equal(t, StatusActive, n.Status())

	require.False(t, n.ProbeFail(3))
	require.False(t, n.ProbeFail(3))
	require.True(t, n.ProbeFail(3))
	require.Equal(t, StatusInactive, n.Status())

	require.True(t, n.ProbeOK())
	require.Equal(t, StatusActive, n.Status())
}

func TestNodeLockUnlock(t *testing.T) {
	n := NewNode("10.0.0.1", 11211, 0)
	n.ProbeOK()

	require.True(t, n.TryLock("peer-a"))
	require.Equal(t, StatusLocked, n.Status())

	require.False(t, n.TryLock("peer-b"))
	require.False(t, n.Unlock("peer-b"))
	require.True(t, n.Unlock("peer-a"))
	require.Equal(t, StatusActive, n.Status())
}

func TestFailoverExcludesGivenNodeAndInactive(t *testing.T) {
	f := NewFleet(1)
	n1 := activeNode("10.0.0.1", 11211)
	n2 := activeNode("10.0.0.1", 11212)
	n3 := NewNode("10.0.0.1", 11213, 0) // inactive
	f.AddNode(n1)
	f.AddNode(n2)
	f.AddNode(n3)

	fo := f.Failover(n1.ID, 5)
	for _, c := range fo {
		require.NotEqual(t, n1.ID, c.ID)
		require.NotEqual(t, n3.ID, c.ID)
	}
}
