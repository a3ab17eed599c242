package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/wire"
)

// ProcessDownInfo is delivered to a monitoring process as an info
// message when its monitored peer terminates (spec.md §4.10).
type ProcessDownInfo struct {
	MonitorID    string
	MonitoredRef actor.Ref
	Reason       wire.ProcessDownReasonWire
}

type outgoingMonitor struct {
	monitoringRef actor.Ref
	callback      func(ProcessDownInfo) // set instead of monitoringRef for internal, non-mailbox monitors
	monitoredRef  actor.Ref
	node          id.NodeID
	unsubscribe   actor.Unsubscribe // only set for local-local monitors
}

type incomingMonitor struct {
	monitoringNode id.NodeID
	monitoredRef   actor.Ref
	unsubscribe    actor.Unsubscribe
}

// monitorTable tracks both directions of every live monitor.
type monitorTable struct {
	setup *correlator[monitorSetupOutcome]

	mu        sync.Mutex
	outgoing  map[string]*outgoingMonitor
	incoming  map[string]*incomingMonitor
}

type monitorSetupOutcome struct {
	err error
}

func newMonitorTable() *monitorTable {
	return &monitorTable{
		setup:    newCorrelator[monitorSetupOutcome](),
		outgoing: make(map[string]*outgoingMonitor),
		incoming: make(map[string]*incomingMonitor),
	}
}

// Monitor installs a unidirectional monitor: monitoringRef is notified
// when monitoredRef terminates (spec.md §4.10).
func (n *Node) Monitor(ctx context.Context, monitoringRef, monitoredRef actor.Ref, timeout time.Duration) (string, error) {
	monitorID := newCorrID()

	if monitoredRef.IsLocal() {
		return n.monitorLocal(monitorID, monitoringRef, monitoredRef)
	}

	if timeout <= 0 {
		timeout = n.cfg.remoteSetupTimeout()
	}
	node := *monitoredRef.Node
	outcomeCh := n.monitors.setup.register(monitorID)

	n.monitors.mu.Lock()
	n.monitors.outgoing[monitorID] = &outgoingMonitor{monitoringRef: monitoringRef, monitoredRef: monitoredRef, node: node}
	n.monitors.mu.Unlock()

	if err := n.trans.Send(node, wire.ClusterMessage{
		Kind: wire.KindMonitorRequest,
		MonitorRequest: &wire.MonitorRequestMsg{
			MonitorID:     monitorID,
			MonitoringRef: refToWire(n.cfg.Local, monitoringRef),
			MonitoredRef:  refToWire(n.cfg.Local, monitoredRef),
		},
	}); err != nil {
		n.monitors.setup.cancel(monitorID)
		n.removeOutgoing(monitorID)
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case out := <-outcomeCh:
		if out.err != nil {
			n.removeOutgoing(monitorID)
			return "", out.err
		}
		return monitorID, nil
	case <-cctx.Done():
		n.monitors.setup.cancel(monitorID)
		n.removeOutgoing(monitorID)
		return "", errs.ErrRemoteMonitorTimeout
	}
}

func (n *Node) monitorLocal(monitorID string, monitoringRef, monitoredRef actor.Ref) (string, error) {
	unsub := n.actors.OnLifecycleEvent(func(ev actor.Event) {
		if ev.Kind != actor.EventTerminated || ev.Ref != monitoredRef {
			return
		}
		n.monitors.mu.Lock()
		m, ok := n.monitors.outgoing[monitorID]
		n.monitors.mu.Unlock()
		if !ok {
			return
		}
		n.dispatchProcessDown(m, monitorID, reasonToWire(ev.Reason))
		n.removeOutgoing(monitorID)
	})
	n.monitors.mu.Lock()
	n.monitors.outgoing[monitorID] = &outgoingMonitor{monitoringRef: monitoringRef, monitoredRef: monitoredRef, node: n.cfg.Local, unsubscribe: unsub}
	n.monitors.mu.Unlock()
	return monitorID, nil
}

// MonitorCallback installs an outgoing monitor delivered via cb instead
// of an actor mailbox, for internal subsystems (the distributed
// supervisor) that need process-down notifications without being a
// GenServer themselves.
func (n *Node) MonitorCallback(ctx context.Context, monitoredRef actor.Ref, timeout time.Duration, cb func(ProcessDownInfo)) (string, error) {
	monitorID := newCorrID()

	if monitoredRef.IsLocal() {
		unsub := n.actors.OnLifecycleEvent(func(ev actor.Event) {
			if ev.Kind != actor.EventTerminated || ev.Ref != monitoredRef {
				return
			}
			n.monitors.mu.Lock()
			m, ok := n.monitors.outgoing[monitorID]
			n.monitors.mu.Unlock()
			if !ok {
				return
			}
			n.dispatchProcessDown(m, monitorID, reasonToWire(ev.Reason))
			n.removeOutgoing(monitorID)
		})
		n.monitors.mu.Lock()
		n.monitors.outgoing[monitorID] = &outgoingMonitor{callback: cb, monitoredRef: monitoredRef, node: n.cfg.Local, unsubscribe: unsub}
		n.monitors.mu.Unlock()
		return monitorID, nil
	}

	if timeout <= 0 {
		timeout = n.cfg.remoteSetupTimeout()
	}
	node := *monitoredRef.Node
	outcomeCh := n.monitors.setup.register(monitorID)

	n.monitors.mu.Lock()
	n.monitors.outgoing[monitorID] = &outgoingMonitor{callback: cb, monitoredRef: monitoredRef, node: node}
	n.monitors.mu.Unlock()

	if err := n.trans.Send(node, wire.ClusterMessage{
		Kind: wire.KindMonitorRequest,
		MonitorRequest: &wire.MonitorRequestMsg{
			MonitorID:     monitorID,
			MonitoringRef: wire.RefWire{ID: "", Node: string(n.cfg.Local)},
			MonitoredRef:  refToWire(n.cfg.Local, monitoredRef),
		},
	}); err != nil {
		n.monitors.setup.cancel(monitorID)
		n.removeOutgoing(monitorID)
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case out := <-outcomeCh:
		if out.err != nil {
			n.removeOutgoing(monitorID)
			return "", out.err
		}
		return monitorID, nil
	case <-cctx.Done():
		n.monitors.setup.cancel(monitorID)
		n.removeOutgoing(monitorID)
		return "", errs.ErrRemoteMonitorTimeout
	}
}

// Demonitor tears down a monitor from the monitoring side.
func (n *Node) Demonitor(monitorID string) error {
	n.monitors.mu.Lock()
	m, ok := n.monitors.outgoing[monitorID]
	n.monitors.mu.Unlock()
	if !ok {
		return nil
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	} else {
		_ = n.trans.Send(m.node, wire.ClusterMessage{
			Kind:             wire.KindDemonitorRequest,
			DemonitorRequest: &wire.DemonitorRequestMsg{MonitorID: monitorID},
		})
	}
	n.removeOutgoing(monitorID)
	return nil
}

func (n *Node) removeOutgoing(monitorID string) {
	n.monitors.mu.Lock()
	delete(n.monitors.outgoing, monitorID)
	n.monitors.mu.Unlock()
}

func (n *Node) handleMonitorRequest(from id.NodeID, req *wire.MonitorRequestMsg) {
	monitoredRef := actor.Ref{ID: req.MonitoredRef.ID}
	_, err := n.actors.GetStats(monitoredRef)
	if err != nil {
		_ = n.trans.Send(from, wire.ClusterMessage{
			Kind:       wire.KindMonitorAck,
			MonitorAck: &wire.MonitorAckMsg{MonitorID: req.MonitorID, Success: true},
		})
		_ = n.trans.Send(from, wire.ClusterMessage{
			Kind: wire.KindProcessDown,
			ProcessDown: &wire.ProcessDownMsg{
				MonitorID:    req.MonitorID,
				MonitoredRef: req.MonitoredRef,
				Reason:       wire.ProcessDownReasonWire{Kind: wire.ReasonNoProc},
			},
		})
		return
	}

	unsub := n.actors.OnLifecycleEvent(func(ev actor.Event) {
		if ev.Kind != actor.EventTerminated || ev.Ref != monitoredRef {
			return
		}
		n.monitors.mu.Lock()
		_, still := n.monitors.incoming[req.MonitorID]
		delete(n.monitors.incoming, req.MonitorID)
		n.monitors.mu.Unlock()
		if !still {
			return
		}
		_ = n.trans.Send(from, wire.ClusterMessage{
			Kind: wire.KindProcessDown,
			ProcessDown: &wire.ProcessDownMsg{
				MonitorID:    req.MonitorID,
				MonitoredRef: req.MonitoredRef,
				Reason:       reasonToWire(ev.Reason),
			},
		})
	})

	n.monitors.mu.Lock()
	n.monitors.incoming[req.MonitorID] = &incomingMonitor{monitoringNode: from, monitoredRef: monitoredRef, unsubscribe: unsub}
	n.monitors.mu.Unlock()

	_ = n.trans.Send(from, wire.ClusterMessage{
		Kind:       wire.KindMonitorAck,
		MonitorAck: &wire.MonitorAckMsg{MonitorID: req.MonitorID, Success: true},
	})
}

func (n *Node) handleMonitorAck(from id.NodeID, ack *wire.MonitorAckMsg) {
	var out monitorSetupOutcome
	if !ack.Success {
		out.err = errs.ErrRemoteMonitorTimeout
	}
	n.monitors.setup.resolve(ack.MonitorID, out)
}

func (n *Node) handleDemonitorRequest(from id.NodeID, req *wire.DemonitorRequestMsg) {
	n.monitors.mu.Lock()
	m, ok := n.monitors.incoming[req.MonitorID]
	delete(n.monitors.incoming, req.MonitorID)
	n.monitors.mu.Unlock()
	if ok && m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (n *Node) handleProcessDown(msg *wire.ProcessDownMsg) {
	n.monitors.mu.Lock()
	m, ok := n.monitors.outgoing[msg.MonitorID]
	if ok {
		delete(n.monitors.outgoing, msg.MonitorID)
	}
	n.monitors.mu.Unlock()
	if !ok {
		return
	}
	n.dispatchProcessDown(m, msg.MonitorID, msg.Reason)
}

// dispatchProcessDown delivers a process_down notification either to
// m's callback (internal subsystem monitors) or as an info message to
// m.monitoringRef (process-to-process monitors).
func (n *Node) dispatchProcessDown(m *outgoingMonitor, monitorID string, reason wire.ProcessDownReasonWire) {
	info := ProcessDownInfo{MonitorID: monitorID, MonitoredRef: m.monitoredRef, Reason: reason}
	if m.callback != nil {
		m.callback(info)
		return
	}
	_ = n.actors.SendInfo(m.monitoringRef, info)
}

// onNodeDown synthesizes noconnection process_down for every outgoing
// monitor targeting the dead node, and silently drops incoming
// monitors owned by monitoring processes on that node.
func (t *monitorTable) onNodeDown(n *Node, dead id.NodeID) {
	t.mu.Lock()
	type pair struct {
		id string
		m  *outgoingMonitor
	}
	var affected []pair
	for monitorID, m := range t.outgoing {
		if m.node == dead {
			affected = append(affected, pair{monitorID, m})
			delete(t.outgoing, monitorID)
		}
	}
	for monitorID, m := range t.incoming {
		if m.monitoringNode == dead {
			if m.unsubscribe != nil {
				m.unsubscribe()
			}
			delete(t.incoming, monitorID)
		}
	}
	t.mu.Unlock()

	for _, p := range affected {
		n.dispatchProcessDown(p.m, p.id, wire.ProcessDownReasonWire{Kind: wire.ReasonNoConnection})
	}
}

func reasonToWire(r actor.TerminateReason) wire.ProcessDownReasonWire {
	switch r.Kind {
	case "normal":
		return wire.ProcessDownReasonWire{Kind: wire.ReasonNormal}
	case "shutdown":
		return wire.ProcessDownReasonWire{Kind: wire.ReasonShutdown}
	default:
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		return wire.ProcessDownReasonWire{Kind: wire.ReasonError, Message: msg}
	}
}
