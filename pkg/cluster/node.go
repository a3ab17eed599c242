// Package cluster wires the actor runtime (pkg/actor, pkg/supervisor)
// to the distribution layer (pkg/transport, pkg/membership, pkg/wire):
// remote call/cast (C9), remote spawn (C10), the global registry sync
// protocol (C11), remote monitor (C12), remote link (C13) and the
// distributed supervisor (C14).
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/membership"
	"github.com/hamicek/noex-sub011/pkg/registry"
	"github.com/hamicek/noex-sub011/pkg/transport"
	"github.com/hamicek/noex-sub011/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Config is the spec.md §6 ClusterConfig surface, defaults per §6.
type Config struct {
	Local                  id.NodeID
	Seeds                  []id.NodeID
	ClusterSecret          []byte
	HeartbeatIntervalMs    int64
	HeartbeatMissThreshold int
	CallTimeout            time.Duration
	RemoteSetupTimeout     time.Duration // monitor/link setup
	RemoteSpawnTimeout     time.Duration
}

func (c Config) callTimeout() time.Duration {
	if c.CallTimeout <= 0 {
		return 5 * time.Second
	}
	return c.CallTimeout
}

func (c Config) remoteSetupTimeout() time.Duration {
	if c.RemoteSetupTimeout <= 0 {
		return 10 * time.Second
	}
	return c.RemoteSetupTimeout
}

func (c Config) remoteSpawnTimeout() time.Duration {
	if c.RemoteSpawnTimeout <= 0 {
		return 10 * time.Second
	}
	return c.RemoteSpawnTimeout
}

// Node is one running cluster participant: local actor runtime plus
// the distribution subsystems layered over a single Transport.
type Node struct {
	cfg Config
	log *logrus.Entry

	trans      *transport.Transport
	membership *membership.Membership
	actors     *actor.Manager
	localReg   *registry.Local
	globalReg  *registry.Global
	behaviors  *BehaviorRegistry

	calls    *callTable
	spawns   *correlator[SpawnOutcome]
	monitors *monitorTable
	links    *linkTable

	startedAt time.Time
}

// New validates cfg and builds a Node; call Start to begin listening
// and dialing seeds.
func New(cfg Config) (*Node, error) {
	if !id.IsValid(string(cfg.Local)) {
		return nil, errs.ErrInvalidNodeID
	}
	n := &Node{
		cfg:       cfg,
		log:       logx.New(string(cfg.Local), "cluster"),
		actors:    actor.NewManager(),
		behaviors: NewBehaviorRegistry(),
		calls:     newCallTable(),
		spawns:    newCorrelator[SpawnOutcome](),
	}
	n.localReg = registry.NewLocal(n.actors)
	n.globalReg = registry.NewGlobal(cfg.Local, n.onRegistryConflict)
	n.monitors = newMonitorTable()
	n.links = newLinkTable()

	n.trans = transport.New(cfg.Local, cfg.ClusterSecret, transport.DefaultReconnectPolicy(), n)
	n.membership = membership.New(membership.Config{
		Local:                  cfg.Local,
		Seeds:                  cfg.Seeds,
		HeartbeatIntervalMs:    cfg.HeartbeatIntervalMs,
		HeartbeatMissThreshold: cfg.HeartbeatMissThreshold,
		ClusterSecret:          cfg.ClusterSecret,
	}, n.trans, membership.Callbacks{
		OnNodeDown: n.onNodeDown,
	})
	return n, nil
}

// Start opens the transport listener and begins heartbeating/dialing
// seeds.
func (n *Node) Start() error {
	n.startedAt = time.Now()
	if err := n.trans.Start(); err != nil {
		return err
	}
	return n.membership.Start()
}

// Stop gracefully tears the node down.
func (n *Node) Stop() error {
	n.membership.Stop()
	return n.trans.Stop()
}

// Actors exposes the local GenServer process table.
func (n *Node) Actors() *actor.Manager { return n.actors }

// LocalRegistry exposes the local name registry.
func (n *Node) LocalRegistry() *registry.Local { return n.localReg }

// GlobalRegistry exposes the cluster-wide name registry.
func (n *Node) GlobalRegistry() *registry.Global { return n.globalReg }

// Behaviors exposes the behavior registry used by remote spawn.
func (n *Node) Behaviors() *BehaviorRegistry { return n.behaviors }

// Membership exposes the cluster membership view.
func (n *Node) Membership() *membership.Membership { return n.membership }

// --- transport.Handler ---

func (n *Node) OnStarted() { n.log.Info("transport started") }
func (n *Node) OnStopped() { n.log.Info("transport stopped") }

func (n *Node) OnConnectionEstablished(peer id.NodeID) {
	n.membership.OnConnectionEstablished(peer)
	n.announceLocalRegistryTo(peer)
}

func (n *Node) OnConnectionLost(peer id.NodeID, reason error) {
	n.membership.OnConnectionLost(peer, classifyDownReason(reason))
}

func (n *Node) OnError(err error) { n.log.WithError(err).Warn("transport error") }

func (n *Node) OnMessage(env wire.Envelope, from id.NodeID) {
	msg := env.Payload
	switch msg.Kind {
	case wire.KindHeartbeat:
		n.membership.OnHeartbeat(from, msg.Heartbeat)
	case wire.KindNodeDown:
		n.membership.OnNodeDownMessage(from, msg.NodeDown.Reason)
	case wire.KindCallRequest:
		n.handleCallRequest(from, msg.CallRequest)
	case wire.KindCallReply:
		n.handleCallReply(msg.CallReply)
	case wire.KindCast:
		n.handleCast(msg.Cast)
	case wire.KindSpawnRequest:
		n.handleSpawnRequest(from, msg.SpawnRequest)
	case wire.KindSpawnReply:
		n.handleSpawnReply(msg.SpawnReply)
	case wire.KindMonitorRequest:
		n.handleMonitorRequest(from, msg.MonitorRequest)
	case wire.KindMonitorAck:
		n.handleMonitorAck(from, msg.MonitorAck)
	case wire.KindDemonitorRequest:
		n.handleDemonitorRequest(from, msg.DemonitorRequest)
	case wire.KindProcessDown:
		n.handleProcessDown(msg.ProcessDown)
	case wire.KindLinkRequest:
		n.handleLinkRequest(from, msg.LinkRequest)
	case wire.KindLinkAck:
		n.handleLinkAck(msg.LinkAck)
	case wire.KindUnlinkRequest:
		n.handleUnlinkRequest(msg.UnlinkRequest)
	case wire.KindExitSignal:
		n.handleExitSignal(msg.ExitSignal)
	case wire.KindRegistryAnnounce:
		n.handleRegistryAnnounce(msg.RegistryAnnounce)
	case wire.KindRegistryConflictResolution:
		n.handleRegistryConflict(msg.RegistryConflict)
	case wire.KindStopRequest:
		n.handleStopRequest(msg.StopRequest)
	default:
		n.log.Warnf("unknown message kind %q from %s", msg.Kind, from)
	}
}

// classifyDownReason maps a Connection-layer error into the
// errs.NodeDownReason taxonomy.
func classifyDownReason(err error) errs.NodeDownReason {
	if err == nil {
		return errs.ReasonConnectionClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return errs.ReasonConnectionRefused
	}
	return errs.ReasonConnectionClosed
}

func (n *Node) onNodeDown(peer id.NodeID, reason errs.NodeDownReason) {
	n.globalReg.NodeDown(peer)
	n.monitors.onNodeDown(n, peer)
	n.links.onNodeDown(n, peer)
	n.calls.failAllForNode(peer, fmt.Errorf("%w: %s", errs.ErrNodeNotReachable, peer))
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.NewSerializationError(errs.PhaseSerialize, err)
	}
	return b, nil
}

func unmarshalPayload(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errs.NewSerializationError(errs.PhaseDeserialize, err)
	}
	return v, nil
}

func newCorrID() string { return uuid.NewString() }
