package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Handler receives node-level transport events (spec.md §4.3).
type Handler interface {
	OnStarted()
	OnStopped()
	OnConnectionEstablished(peer id.NodeID)
	OnConnectionLost(peer id.NodeID, reason error)
	OnMessage(env wire.Envelope, from id.NodeID)
	OnError(err error)
}

// Transport accepts inbound connections, dials outbound, routes
// inbound messages by peer node id, and broadcasts (C4).
type Transport struct {
	local  id.NodeID
	secret []byte
	policy ReconnectPolicy
	handler Handler
	log    *logrus.Entry

	mu          sync.Mutex
	listener    net.Listener
	connections map[id.NodeID]*Connection
	dialing     map[id.NodeID]*dialWait // coalesces concurrent connectTo calls
	stopped     bool
}

// dialWait lets concurrent ConnectTo(peer) callers coalesce onto a
// single in-flight dial: the dialer sets err then closes done, which
// broadcasts the outcome to every waiter.
type dialWait struct {
	done chan struct{}
	err  error
}

// New creates a Transport bound to local's own address.
func New(local id.NodeID, secret []byte, policy ReconnectPolicy, handler Handler) *Transport {
	return &Transport{
		local:       local,
		secret:      secret,
		policy:      policy,
		handler:     handler,
		log:         logx.New(string(local), "transport"),
		connections: make(map[id.NodeID]*Connection),
		dialing:     make(map[id.NodeID]*dialWait),
	}
}

// Start opens the listener on local's host:port and begins accepting.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", t.local.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.local.Address(), err)
	}
	t.mu.Lock()
	t.listener = ln
	t.stopped = false
	t.mu.Unlock()

	go t.acceptLoop(ln)
	t.handler.OnStarted()
	return nil
}

// Stop closes the listener and every connection.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	ln := t.listener
	conns := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		conns = append(conns, c)
	}
	t.connections = make(map[id.NodeID]*Connection)
	t.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	t.handler.OnStopped()
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if stopped {
				return
			}
			t.handler.OnError(fmt.Errorf("accept: %w", err))
			return
		}
		go t.handleInbound(conn)
	}
}

// handleInbound implements spec.md §4.3's acceptance protocol: wait
// for the first complete frame, deserialize it, read envelope.From as
// the peer's NodeId, then either discard the socket (duplicate
// connection with an already-connected peer wins) or adopt it.
func (t *Transport) handleInbound(conn net.Conn) {
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	var env wire.Envelope

	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			payload, consumed, ferr := wire.Unframe(buf)
			if ferr != nil {
				t.log.Warnf("framing error on inbound socket: %v", ferr)
				_ = conn.Close()
				return
			}
			if payload != nil {
				buf = buf[consumed:]
				var derr error
				env, derr = wire.Deserialize(payload, t.secret)
				if derr != nil {
					t.log.Warnf("deserialize error on inbound socket: %v", derr)
					_ = conn.Close()
					return
				}
				break
			}
		}
		if err != nil {
			_ = conn.Close()
			return
		}
	}

	peer, err := id.Parse(env.From)
	if err != nil {
		t.log.Warnf("inbound envelope from invalid node id %q: %v", env.From, err)
		_ = conn.Close()
		return
	}

	t.mu.Lock()
	if existing, ok := t.connections[peer]; ok && existing.Status() == StateConnected {
		t.mu.Unlock()
		t.log.Debugf("discarding duplicate inbound connection from %s", peer)
		_ = conn.Close()
		return
	}
	c := Adopt(t.local, peer, t.secret, conn, env, t)
	t.connections[peer] = c
	t.mu.Unlock()

	t.handler.OnConnectionEstablished(peer)
}

// ConnectTo dials peer. Concurrent calls for the same peer coalesce:
// only one dial proceeds, the rest wait for its outcome.
func (t *Transport) ConnectTo(peer id.NodeID) error {
	if peer == t.local {
		return nil // self-connect is a no-op
	}

	t.mu.Lock()
	if c, ok := t.connections[peer]; ok && c.Status() == StateConnected {
		t.mu.Unlock()
		return nil
	}
	if w, ok := t.dialing[peer]; ok {
		t.mu.Unlock()
		<-w.done
		return w.err
	}
	w := &dialWait{done: make(chan struct{})}
	t.dialing[peer] = w
	t.mu.Unlock()

	c := NewOutbound(t.local, peer, t.secret, t.policy, t)
	err := c.Connect(context.Background())

	t.mu.Lock()
	if err == nil {
		t.connections[peer] = c
	}
	delete(t.dialing, peer)
	w.err = err
	t.mu.Unlock()
	close(w.done)

	if err == nil {
		t.handler.OnConnectionEstablished(peer)
	}
	return err
}

// DisconnectFrom explicitly tears down the connection to peer, if any.
func (t *Transport) DisconnectFrom(peer id.NodeID) error {
	t.mu.Lock()
	c, ok := t.connections[peer]
	if ok {
		delete(t.connections, peer)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Send routes msg to peer's connection.
func (t *Transport) Send(peer id.NodeID, msg wire.ClusterMessage) error {
	t.mu.Lock()
	c, ok := t.connections[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrNodeNotReachable, peer)
	}
	return c.Send(msg)
}

// Broadcast sends msg to every currently connected peer, best-effort.
func (t *Transport) Broadcast(msg wire.ClusterMessage) {
	t.mu.Lock()
	targets := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		if c.Status() == StateConnected {
			targets = append(targets, c)
		}
	}
	t.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(msg); err != nil {
			t.log.Debugf("broadcast to %s failed: %v", c.peer, err)
		}
	}
}

// IsConnectedTo reports whether peer currently has a connected socket.
func (t *Transport) IsConnectedTo(peer id.NodeID) bool {
	t.mu.Lock()
	c, ok := t.connections[peer]
	t.mu.Unlock()
	return ok && c.Status() == StateConnected
}

// ConnectedPeers lists every peer currently in StateConnected.
func (t *Transport) ConnectedPeers() []id.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]id.NodeID, 0, len(t.connections))
	for n, c := range t.connections {
		if c.Status() == StateConnected {
			out = append(out, n)
		}
	}
	return out
}

// The Transport itself implements Events so Connection callbacks route
// directly back through it to the node-level Handler.

func (t *Transport) OnMessage(peer id.NodeID, env wire.Envelope) {
	t.handler.OnMessage(env, peer)
}

func (t *Transport) OnStateChange(peer id.NodeID, old, new State) {
	t.log.Debugf("connection to %s: %s -> %s", peer, old, new)
}

func (t *Transport) OnDisconnected(peer id.NodeID, reason error) {
	t.mu.Lock()
	delete(t.connections, peer)
	t.mu.Unlock()
	t.handler.OnConnectionLost(peer, reason)
}

func (t *Transport) OnReconnectFailed(peer id.NodeID) {
	t.mu.Lock()
	delete(t.connections, peer)
	t.mu.Unlock()
	t.log.Warnf("giving up reconnecting to %s", peer)
}

// OnReconnected fires when a Connection's own reconnectLoop re-dials
// successfully after an unexpected disconnect. It re-registers conn in
// t.connections and re-announces the peer the same way handleInbound
// and ConnectTo do for a brand-new connection, so Send/Broadcast/
// IsConnectedTo and the node-level Handler (and, through it,
// Membership and DistSupervisor candidate selection) observe the
// disconnected->connected transition instead of leaving the peer
// stranded as unreachable with a live socket underneath.
func (t *Transport) OnReconnected(peer id.NodeID, conn *Connection) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.connections[peer] = conn
	t.mu.Unlock()
	t.handler.OnConnectionEstablished(peer)
}
