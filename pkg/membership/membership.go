// Package membership implements cluster membership: heartbeats, miss
// detection, node-up/node-down events and seed discovery (spec.md
// §4.5, C5).
package membership

import (
	"sync"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/transport"
	"github.com/hamicek/noex-sub011/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Status is a peer's position in the spec.md §4.5 state machine.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// NodeInfo is the gossiped-over-heartbeat view of one peer.
type NodeInfo struct {
	Status          Status
	LastHeartbeatAt time.Time
	ProcessCount    int
	UptimeMs        int64
	// Tags is free-form, unused by core logic (SPEC_FULL.md §6.2,
	// grounded on serf.Member.Tags); read-only via GetNodes.
	Tags map[string]string
}

// Config is the spec.md §6 ClusterConfig surface relevant to
// membership.
type Config struct {
	Local                  id.NodeID
	Seeds                  []id.NodeID
	HeartbeatIntervalMs    int64
	HeartbeatMissThreshold int
	ClusterSecret          []byte
}

func (c Config) interval() time.Duration {
	if c.HeartbeatIntervalMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func (c Config) missThreshold() int {
	if c.HeartbeatMissThreshold <= 0 {
		return 3
	}
	return c.HeartbeatMissThreshold
}

// Callbacks lets the owning node react to membership transitions.
type Callbacks struct {
	OnNodeUp     func(id.NodeID)
	OnNodeDown   func(id.NodeID, errs.NodeDownReason)
	OnStatusChange func(id.NodeID, Status)
}

// Membership owns heartbeat bookkeeping over an already-running
// Transport. It does not own the Transport's lifecycle.
type Membership struct {
	cfg   Config
	trans *transport.Transport
	cb    Callbacks
	log   *logrus.Entry

	startedAt time.Time

	mu    sync.RWMutex
	nodes map[id.NodeID]*NodeInfo

	stopCh chan struct{}
	wg     sync.WaitGroup
	graceful bool
}

// New creates a Membership bound to an already-constructed Transport;
// call Start to begin heartbeating and seed dialing.
func New(cfg Config, trans *transport.Transport, cb Callbacks) *Membership {
	return &Membership{
		cfg:    cfg,
		trans:  trans,
		cb:     cb,
		log:    logx.New(string(cfg.Local), "membership"),
		nodes:  make(map[id.NodeID]*NodeInfo),
		stopCh: make(chan struct{}),
	}
}

// Start dials every seed and begins the heartbeat/sweep loops.
func (m *Membership) Start() error {
	m.startedAt = time.Now()
	for _, seed := range m.cfg.Seeds {
		go m.dialSeedWithRetry(seed)
	}
	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.sweepLoop()
	return nil
}

// dialSeedWithRetry keeps retrying a seed connection with the same
// backoff shape as C3's reconnect policy (SPEC_FULL.md §6.2), rather
// than failing startup outright when a seed is momentarily down.
func (m *Membership) dialSeedWithRetry(seed id.NodeID) {
	policy := transport.DefaultReconnectPolicy()
	attempt := 0
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}
		if err := m.trans.ConnectTo(seed); err == nil {
			return
		}
		delay := policy.NextDelay(attempt)
		attempt++
		select {
		case <-m.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// Stop broadcasts a graceful node_down, waits briefly for the
// transport to flush, then tears down loops. Idempotent.
func (m *Membership) Stop() {
	m.mu.Lock()
	if m.graceful {
		m.mu.Unlock()
		return
	}
	m.graceful = true
	m.mu.Unlock()

	m.trans.Broadcast(wire.ClusterMessage{
		Kind: wire.KindNodeDown,
		NodeDown: &wire.NodeDownMsg{
			Node:   string(m.cfg.Local),
			Reason: string(errs.ReasonGracefulShutdown),
		},
	})
	time.Sleep(50 * time.Millisecond)
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Membership) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.interval())
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.trans.Broadcast(wire.ClusterMessage{
				Kind: wire.KindHeartbeat,
				Heartbeat: &wire.HeartbeatMsg{
					ProcessCount: 0, // populated by the owning node via SetProcessCount
					UptimeMs:     time.Since(m.startedAt).Milliseconds(),
				},
			})
		}
	}
}

func (m *Membership) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.interval())
	defer ticker.Stop()
	limit := time.Duration(int64(m.cfg.interval()) * int64(m.cfg.missThreshold()))
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			var stale []id.NodeID
			m.mu.Lock()
			for n, info := range m.nodes {
				if info.Status == StatusConnected && now.Sub(info.LastHeartbeatAt) > limit {
					info.Status = StatusDisconnected
					stale = append(stale, n)
				}
			}
			m.mu.Unlock()
			for _, n := range stale {
				m.log.Warnf("heartbeat timeout for %s", n)
				_ = m.trans.DisconnectFrom(n)
				if m.cb.OnNodeDown != nil {
					m.cb.OnNodeDown(n, errs.ReasonHeartbeatTimeout)
				}
			}
		}
	}
}

// OnConnectionEstablished should be called by the owning node's
// Transport Handler implementation to fold a new connection into the
// membership view.
func (m *Membership) OnConnectionEstablished(peer id.NodeID) {
	m.mu.Lock()
	info, ok := m.nodes[peer]
	if !ok {
		info = &NodeInfo{}
		m.nodes[peer] = info
	}
	info.Status = StatusConnected
	info.LastHeartbeatAt = time.Now()
	m.mu.Unlock()

	if m.cb.OnStatusChange != nil {
		m.cb.OnStatusChange(peer, StatusConnected)
	}
	if !ok && m.cb.OnNodeUp != nil {
		m.cb.OnNodeUp(peer)
	}
}

// OnConnectionLost should be called by the owning node's Transport
// Handler when a connection drops; a graceful shutdown announced via a
// node_down message (see OnNodeDownMessage) closes the connection
// through DisconnectFrom, which suppresses the automatic reconnect at
// the Connection layer, so this only updates the view.
func (m *Membership) OnConnectionLost(peer id.NodeID, reason errs.NodeDownReason) {
	m.mu.Lock()
	info, ok := m.nodes[peer]
	if ok {
		info.Status = StatusDisconnected
	}
	m.mu.Unlock()
	if ok && m.cb.OnNodeDown != nil {
		m.cb.OnNodeDown(peer, reason)
	}
}

// OnHeartbeat records a received heartbeat's process/uptime stats and
// refreshes LastHeartbeatAt.
func (m *Membership) OnHeartbeat(peer id.NodeID, hb *wire.HeartbeatMsg) {
	m.mu.Lock()
	info, ok := m.nodes[peer]
	if !ok {
		info = &NodeInfo{Status: StatusConnected}
		m.nodes[peer] = info
	}
	info.LastHeartbeatAt = time.Now()
	info.ProcessCount = hb.ProcessCount
	info.UptimeMs = hb.UptimeMs
	info.Tags = hb.Tags
	m.mu.Unlock()
}

// OnNodeDownMessage handles an explicitly announced graceful shutdown:
// the peer is marked disconnected and its connection is closed through
// DisconnectFrom, which marks the Connection as closing so its
// reconnect loop does not arm.
func (m *Membership) OnNodeDownMessage(peer id.NodeID, reason string) {
	m.mu.Lock()
	info, ok := m.nodes[peer]
	if ok {
		info.Status = StatusDisconnected
	}
	m.mu.Unlock()
	_ = m.trans.DisconnectFrom(peer)
	if ok && m.cb.OnNodeDown != nil {
		m.cb.OnNodeDown(peer, errs.ReasonGracefulShutdown)
	}
}

// GetStatus returns how many known peers are currently connected and
// how many peers are known in total.
func (m *Membership) GetStatus() (connected int, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, info := range m.nodes {
		total++
		if info.Status == StatusConnected {
			connected++
		}
	}
	return connected, total
}

// GetNodes returns a snapshot copy of the full membership view.
func (m *Membership) GetNodes() map[id.NodeID]NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[id.NodeID]NodeInfo, len(m.nodes))
	for n, info := range m.nodes {
		out[n] = *info
	}
	return out
}

// GetConnectedNodes returns only peers currently StatusConnected.
func (m *Membership) GetConnectedNodes() []id.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []id.NodeID
	for n, info := range m.nodes {
		if info.Status == StatusConnected {
			out = append(out, n)
		}
	}
	return out
}
