package membership_test

import (
	"testing"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/membership"
	"github.com/hamicek/noex-sub011/pkg/transport"
	"github.com/hamicek/noex-sub011/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopHandler struct{}

func (noopHandler) OnStarted()                                     {}
func (noopHandler) OnStopped()                                     {}
func (noopHandler) OnError(error)                                  {}
func (noopHandler) OnConnectionEstablished(id.NodeID)               {}
func (noopHandler) OnConnectionLost(id.NodeID, error)               {}
func (noopHandler) OnMessage(wire.Envelope, id.NodeID)              {}

func newTestTransport(t *testing.T, port int) (*transport.Transport, id.NodeID) {
	t.Helper()
	node, err := id.New("n", "127.0.0.1", port)
	require.NoError(t, err)
	tr := transport.New(node, nil, transport.DefaultReconnectPolicy(), noopHandler{})
	require.NoError(t, tr.Start())
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, node
}

func TestMembership_HeartbeatUpdatesView(t *testing.T) {
	tr, local := newTestTransport(t, 21500+int(time.Now().UnixNano()%500))
	peer, err := id.New("peer", "127.0.0.1", 1)
	require.NoError(t, err)

	m := membership.New(membership.Config{Local: local}, tr, membership.Callbacks{})
	m.OnConnectionEstablished(peer)
	m.OnHeartbeat(peer, &wire.HeartbeatMsg{ProcessCount: 5, UptimeMs: 100})

	nodes := m.GetNodes()
	info, ok := nodes[peer]
	require.True(t, ok)
	assert.Equal(t, membership.StatusConnected, info.Status)
	assert.Equal(t, 5, info.ProcessCount)
}

func TestMembership_NodeDownCallback(t *testing.T) {
	tr, local := newTestTransport(t, 22500+int(time.Now().UnixNano()%500))
	peer, err := id.New("peer", "127.0.0.1", 1)
	require.NoError(t, err)

	var gotReason errs.NodeDownReason
	var gotNode id.NodeID
	m := membership.New(membership.Config{Local: local}, tr, membership.Callbacks{
		OnNodeDown: func(n id.NodeID, reason errs.NodeDownReason) {
			gotNode = n
			gotReason = reason
		},
	})
	m.OnConnectionEstablished(peer)
	m.OnConnectionLost(peer, errs.ReasonConnectionClosed)

	assert.Equal(t, peer, gotNode)
	assert.Equal(t, errs.ReasonConnectionClosed, gotReason)

	nodes := m.GetNodes()
	assert.Equal(t, membership.StatusDisconnected, nodes[peer].Status)
}

func TestMembership_GetConnectedNodes(t *testing.T) {
	tr, local := newTestTransport(t, 23500+int(time.Now().UnixNano()%500))
	peerUp, _ := id.New("up", "127.0.0.1", 1)
	peerDown, _ := id.New("down", "127.0.0.1", 2)

	m := membership.New(membership.Config{Local: local}, tr, membership.Callbacks{})
	m.OnConnectionEstablished(peerUp)
	m.OnConnectionEstablished(peerDown)
	m.OnConnectionLost(peerDown, errs.ReasonConnectionClosed)

	connected := m.GetConnectedNodes()
	require.Len(t, connected, 1)
	assert.Equal(t, peerUp, connected[0])
}
