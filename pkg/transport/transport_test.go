package transport_test

import (
	"sync"
	"testing"
	"time"

	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/transport"
	"github.com/hamicek/noex-sub011/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu        sync.Mutex
	messages  []wire.Envelope
	connected []id.NodeID
	lost      []id.NodeID
}

func (h *recordingHandler) OnStarted()                                      {}
func (h *recordingHandler) OnStopped()                                      {}
func (h *recordingHandler) OnError(err error)                               {}
func (h *recordingHandler) OnConnectionEstablished(peer id.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, peer)
}
func (h *recordingHandler) OnConnectionLost(peer id.NodeID, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = append(h.lost, peer)
}
func (h *recordingHandler) OnMessage(env wire.Envelope, from id.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, env)
}

func (h *recordingHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func freePort(t *testing.T) int {
	t.Helper()
	return 20000 + int(time.Now().UnixNano()%20000)
}

func TestTransport_ConnectSendReceive(t *testing.T) {
	portA := freePort(t)
	portB := portA + 1

	nodeA, err := id.New("nodea", "127.0.0.1", portA)
	require.NoError(t, err)
	nodeB, err := id.New("nodeb", "127.0.0.1", portB)
	require.NoError(t, err)

	handlerA := &recordingHandler{}
	handlerB := &recordingHandler{}

	tA := transport.New(nodeA, nil, transport.DefaultReconnectPolicy(), handlerA)
	tB := transport.New(nodeB, nil, transport.DefaultReconnectPolicy(), handlerB)

	require.NoError(t, tA.Start())
	require.NoError(t, tB.Start())
	defer tA.Stop()
	defer tB.Stop()

	require.NoError(t, tA.ConnectTo(nodeB))

	require.Eventually(t, func() bool {
		return tA.IsConnectedTo(nodeB)
	}, 2*time.Second, 10*time.Millisecond)

	msg := wire.ClusterMessage{Kind: wire.KindHeartbeat, Heartbeat: &wire.HeartbeatMsg{ProcessCount: 7}}
	require.NoError(t, tA.Send(nodeB, msg))

	require.Eventually(t, func() bool {
		return handlerB.messageCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransport_SelfConnectIsNoop(t *testing.T) {
	port := freePort(t)
	node, err := id.New("solo", "127.0.0.1", port)
	require.NoError(t, err)
	handler := &recordingHandler{}
	tr := transport.New(node, nil, transport.DefaultReconnectPolicy(), handler)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	assert.NoError(t, tr.ConnectTo(node))
	assert.False(t, tr.IsConnectedTo(node))
}

func TestTransport_SendWithoutConnectionFails(t *testing.T) {
	port := freePort(t)
	node, err := id.New("a", "127.0.0.1", port)
	require.NoError(t, err)
	unreachable, err := id.New("b", "127.0.0.1", port+1)
	require.NoError(t, err)

	handler := &recordingHandler{}
	tr := transport.New(node, nil, transport.DefaultReconnectPolicy(), handler)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	err = tr.Send(unreachable, wire.ClusterMessage{Kind: wire.KindHeartbeat, Heartbeat: &wire.HeartbeatMsg{}})
	assert.Error(t, err)
}

func (h *recordingHandler) connectedCount(peer id.NodeID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.connected {
		if p == peer {
			n++
		}
	}
	return n
}

func TestTransport_ReconnectReregistersPeer(t *testing.T) {
	portA := freePort(t)
	portB := portA + 1

	nodeA, err := id.New("reconnecta", "127.0.0.1", portA)
	require.NoError(t, err)
	nodeB, err := id.New("reconnectb", "127.0.0.1", portB)
	require.NoError(t, err)

	handlerA := &recordingHandler{}
	handlerB := &recordingHandler{}

	tA := transport.New(nodeA, nil, transport.ReconnectPolicy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 50}, handlerA)
	tB := transport.New(nodeB, nil, transport.DefaultReconnectPolicy(), handlerB)

	require.NoError(t, tA.Start())
	require.NoError(t, tB.Start())
	defer tA.Stop()

	require.NoError(t, tA.ConnectTo(nodeB))
	require.Eventually(t, func() bool {
		return tA.IsConnectedTo(nodeB)
	}, 2*time.Second, 10*time.Millisecond)

	// Kill nodeB's listener side of the connection without telling
	// nodeA to stop reconnecting, then bring nodeB back up on the same
	// address so tA's reconnectLoop can redial it.
	require.NoError(t, tB.Stop())

	require.Eventually(t, func() bool {
		return !tA.IsConnectedTo(nodeB)
	}, 2*time.Second, 10*time.Millisecond)

	tB2 := transport.New(nodeB, nil, transport.DefaultReconnectPolicy(), handlerB)
	require.NoError(t, tB2.Start())
	defer tB2.Stop()

	require.Eventually(t, func() bool {
		return tA.IsConnectedTo(nodeB)
	}, 3*time.Second, 10*time.Millisecond)

	assert.Contains(t, tA.ConnectedPeers(), nodeB)
	assert.GreaterOrEqual(t, handlerA.connectedCount(nodeB), 2)
}

func TestReconnectPolicy_NextDelayBounds(t *testing.T) {
	p := transport.ReconnectPolicy{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond}
	for attempt := 0; attempt < 10; attempt++ {
		d := p.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 750*time.Millisecond)
	}
}
