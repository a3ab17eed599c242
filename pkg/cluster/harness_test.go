package cluster_test

import (
	"testing"
	"time"

	"github.com/hamicek/noex-sub011/pkg/cluster"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/stretchr/testify/require"
)

var portCounter = int(time.Now().UnixNano() % 10000)

// freePort hands out a distinct loopback port per call within one test
// binary run; good enough for the short-lived listeners these tests spin up.
func freePort(t *testing.T) int {
	t.Helper()
	portCounter++
	return 24000 + portCounter
}

func newNode(t *testing.T, name string, port int, seeds []id.NodeID) (*cluster.Node, id.NodeID) {
	t.Helper()
	nodeID, err := id.New(name, "127.0.0.1", port)
	require.NoError(t, err)
	n, err := cluster.New(cluster.Config{
		Local:                  nodeID,
		Seeds:                  seeds,
		HeartbeatIntervalMs:    50,
		HeartbeatMissThreshold: 3,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
	return n, nodeID
}

// newPair starts two nodes, B seeded with A, and waits until each sees
// the other as connected.
func newPair(t *testing.T) (a, b *cluster.Node, aID, bID id.NodeID) {
	t.Helper()
	portA := freePort(t)
	portB := freePort(t)
	a, aID = newNode(t, "a", portA, nil)
	b, bID = newNode(t, "b", portB, []id.NodeID{aID})

	require.Eventually(t, func() bool {
		connA, _ := a.Membership().GetStatus()
		connB, _ := b.Membership().GetStatus()
		return connA >= 1 && connB >= 1
	}, 3*time.Second, 10*time.Millisecond)
	return a, b, aID, bID
}

const waitTick = 10 * time.Millisecond
const waitTimeout = 3 * time.Second

// newTriple starts three nodes, B and C both seeded with A, and waits
// until A sees both as connected.
func newTriple(t *testing.T) (a, b, c *cluster.Node, aID, bID, cID id.NodeID) {
	t.Helper()
	a, aID = newNode(t, "a", freePort(t), nil)
	b, bID = newNode(t, "b", freePort(t), []id.NodeID{aID})
	c, cID = newNode(t, "c", freePort(t), []id.NodeID{aID})

	require.Eventually(t, func() bool {
		return len(a.Membership().GetConnectedNodes()) >= 2
	}, 3*time.Second, 10*time.Millisecond)
	return a, b, c, aID, bID, cID
}
