// Package transport implements the TCP-framed peer connection (C3) and
// the node-wide transport (C4) from spec.md §4.2/§4.3: a single socket
// per peer with reconnect backoff and length-prefixed framing, plus a
// map of such connections routed by peer node id.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/wire"
	"github.com/sirupsen/logrus"
)

// State is a Connection's position in the spec.md §4.2 state machine:
// disconnected -> connecting -> connected -> closing -> disconnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Events receives notifications from a Connection. Every callback is
// invoked from the connection's own goroutines; implementations must
// not block for long.
type Events interface {
	OnMessage(peer id.NodeID, env wire.Envelope)
	OnStateChange(peer id.NodeID, old, new State)
	OnDisconnected(peer id.NodeID, reason error)
	OnReconnectFailed(peer id.NodeID)
	OnReconnected(peer id.NodeID, conn *Connection)
}

// Connection owns a single TCP socket to one peer.
type Connection struct {
	local  id.NodeID
	peer   id.NodeID
	secret []byte
	policy ReconnectPolicy
	events Events
	log    *logrus.Entry

	outbound bool // true: this side dials and owns the reconnect loop

	mu      sync.Mutex
	state   State
	conn    net.Conn
	closing bool // explicit Close()/Destroy() requested; suppresses reconnect

	ctx    context.Context
	cancel context.CancelFunc

	readDone chan struct{}
}

// NewOutbound creates a connection that will dial peer and reconnect
// with policy on unexpected disconnects.
func NewOutbound(local, peer id.NodeID, secret []byte, policy ReconnectPolicy, events Events) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		local:    local,
		peer:     peer,
		secret:   secret,
		policy:   policy,
		events:   events,
		outbound: true,
		state:    StateDisconnected,
		log:      logx.New(string(local), "connection"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Adopt wraps a socket already accepted by the Transport and whose
// first frame has already been deserialized into first. The connection
// starts in StateConnected and never reconnects (inbound connections
// are re-created by the peer dialing again).
func Adopt(local, peer id.NodeID, secret []byte, conn net.Conn, first wire.Envelope, events Events) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		local:    local,
		peer:     peer,
		secret:   secret,
		events:   events,
		outbound: false,
		state:    StateConnected,
		conn:     conn,
		log:      logx.New(string(local), "connection"),
		ctx:      ctx,
		cancel:   cancel,
		readDone: make(chan struct{}),
	}
	events.OnMessage(peer, first)
	go c.readLoop(conn)
	return c
}

// Connect dials the peer. It blocks until connected or the dial fails;
// on success the reconnect-on-disconnect loop is armed for subsequent
// failures.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 15 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.peer.Address())
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return fmt.Errorf("%w: dial %s: %v", errs.ErrNodeNotReachable, c.peer, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readDone = make(chan struct{})
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Send frames, serializes and writes message to the peer. It fails
// with ErrNodeNotReachable if the connection is not currently
// connected.
func (c *Connection) Send(msg wire.ClusterMessage) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("%w: %s", errs.ErrNodeNotReachable, c.peer)
	}

	payload, err := wire.Serialize(msg, string(c.local), uint64(time.Now().UnixMilli()), c.secret)
	if err != nil {
		return err
	}
	framed := wire.Frame(payload)
	if _, err := conn.Write(framed); err != nil {
		return fmt.Errorf("%w: write to %s: %v", errs.ErrNodeNotReachable, c.peer, err)
	}
	return nil
}

// Close ends the connection without triggering a reconnect. Send writes
// synchronously, so there is no buffered data to flush first.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.setStateLocked(StateClosing)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Destroy aborts the connection immediately, identical to Close for a
// raw TCP socket (there is no separate flush phase to skip).
func (c *Connection) Destroy() error {
	return c.Close()
}

// Status returns the current connection state.
func (c *Connection) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setStateLocked(new State) {
	old := c.state
	c.state = new
	if old != new {
		events, peer := c.events, c.peer
		go events.OnStateChange(peer, old, new)
	}
}

// readLoop buffers inbound bytes and emits one OnMessage call per
// complete frame, in frame order, for as long as the socket is alive.
// A framing or deserialize error ends the loop and closes the socket.
func (c *Connection) readLoop(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		c.mu.Lock()
		wasClosing := c.closing
		c.mu.Unlock()
		if !wasClosing {
			c.handleDisconnect(fmt.Errorf("connection closed"))
		}
	}()

	buf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 32*1024)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				payload, consumed, ferr := wire.Unframe(buf)
				if ferr != nil {
					c.log.Warnf("framing error from %s: %v", c.peer, ferr)
					return
				}
				if payload == nil {
					break
				}
				buf = buf[consumed:]
				env, derr := wire.Deserialize(payload, c.secret)
				if derr != nil {
					c.log.Warnf("deserialize error from %s: %v", c.peer, derr)
					return
				}
				c.events.OnMessage(c.peer, env)
			}
		}
		if err != nil {
			return
		}
	}
}

// handleDisconnect transitions to disconnected, notifies the owner,
// and (for outbound connections not explicitly closed) arms the
// reconnect loop.
func (c *Connection) handleDisconnect(reason error) {
	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	outbound := c.outbound
	closing := c.closing
	c.mu.Unlock()

	c.events.OnDisconnected(c.peer, reason)

	if outbound && !closing {
		go c.reconnectLoop()
	}
}

func (c *Connection) reconnectLoop() {
	attempt := 0
	for {
		if c.policy.Exhausted(attempt) {
			c.events.OnReconnectFailed(c.peer)
			return
		}
		delay := c.policy.NextDelay(attempt)
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.Connect(c.ctx); err == nil {
			c.events.OnReconnected(c.peer, c)
			return
		}
		attempt++
	}
}
