package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/wire"
)

// linkEntry is one half of a bidirectional link held locally: the
// local process, its peer ref, and the unsubscribe for the lifecycle
// hook that propagates this process's own termination.
type linkEntry struct {
	localRef actor.Ref
	peerRef  wire.RefWire
	peerNode id.NodeID
	unsub    actor.Unsubscribe
}

type linkTable struct {
	setup *correlator[linkSetupOutcome]

	mu      sync.Mutex
	entries map[string]*linkEntry
}

type linkSetupOutcome struct {
	ok     bool
	reason string
}

func newLinkTable() *linkTable {
	return &linkTable{
		setup:   newCorrelator[linkSetupOutcome](),
		entries: make(map[string]*linkEntry),
	}
}

// Link establishes a bidirectional link between localRef (must be
// local to this node) and remoteRef (spec.md §4.11).
func (n *Node) Link(ctx context.Context, localRef, remoteRef actor.Ref, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = n.cfg.remoteSetupTimeout()
	}
	linkID := newCorrID()
	peerNode := remoteRef.NodeID(n.cfg.Local)

	outcomeCh := n.links.setup.register(linkID)
	if err := n.trans.Send(peerNode, wire.ClusterMessage{
		Kind: wire.KindLinkRequest,
		LinkRequest: &wire.LinkRequestMsg{
			LinkID: linkID,
			From:   refToWire(n.cfg.Local, localRef),
			To:     refToWire(n.cfg.Local, remoteRef),
		},
	}); err != nil {
		n.links.setup.cancel(linkID)
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case out := <-outcomeCh:
		if !out.ok {
			return "", fmt.Errorf("link rejected: %s", out.reason)
		}
		n.registerLinkLocal(linkID, localRef, refToWire(n.cfg.Local, remoteRef), peerNode)
		return linkID, nil
	case <-cctx.Done():
		n.links.setup.cancel(linkID)
		return "", errs.ErrRemoteLinkTimeout
	}
}

// Unlink tears down one local half explicitly; no ack is expected.
func (n *Node) Unlink(linkID string) error {
	n.links.mu.Lock()
	e, ok := n.links.entries[linkID]
	delete(n.links.entries, linkID)
	n.links.mu.Unlock()
	if !ok {
		return nil
	}
	e.unsub()
	_ = n.trans.Send(e.peerNode, wire.ClusterMessage{
		Kind:          wire.KindUnlinkRequest,
		UnlinkRequest: &wire.UnlinkRequestMsg{LinkID: linkID},
	})
	return nil
}

// registerLinkLocal stores the local half and subscribes to the local
// process's termination so it can propagate normal-unlink or
// abnormal-exit to the peer.
func (n *Node) registerLinkLocal(linkID string, localRef actor.Ref, peerRef wire.RefWire, peerNode id.NodeID) {
	unsub := n.actors.OnLifecycleEvent(func(ev actor.Event) {
		if ev.Kind != actor.EventTerminated || ev.Ref != localRef {
			return
		}
		n.links.mu.Lock()
		_, still := n.links.entries[linkID]
		delete(n.links.entries, linkID)
		n.links.mu.Unlock()
		if !still {
			return
		}
		if ev.Reason.IsNormal() {
			_ = n.trans.Send(peerNode, wire.ClusterMessage{
				Kind:          wire.KindUnlinkRequest,
				UnlinkRequest: &wire.UnlinkRequestMsg{LinkID: linkID},
			})
			return
		}
		_ = n.trans.Send(peerNode, wire.ClusterMessage{
			Kind: wire.KindExitSignal,
			ExitSignal: &wire.ExitSignalMsg{
				LinkID: linkID,
				From:   refToWire(n.cfg.Local, localRef),
				To:     peerRef,
				Reason: reasonToWire(ev.Reason),
			},
		})
	})
	n.links.mu.Lock()
	n.links.entries[linkID] = &linkEntry{localRef: localRef, peerRef: peerRef, peerNode: peerNode, unsub: unsub}
	n.links.mu.Unlock()
}

func (n *Node) handleLinkRequest(from id.NodeID, req *wire.LinkRequestMsg) {
	localRef := actor.Ref{ID: req.To.ID}
	if _, err := n.actors.GetStats(localRef); err != nil {
		_ = n.trans.Send(from, wire.ClusterMessage{
			Kind:    wire.KindLinkAck,
			LinkAck: &wire.LinkAckMsg{LinkID: req.LinkID, Success: false, Reason: "noproc"},
		})
		return
	}
	n.registerLinkLocal(req.LinkID, localRef, req.From, from)
	_ = n.trans.Send(from, wire.ClusterMessage{
		Kind:    wire.KindLinkAck,
		LinkAck: &wire.LinkAckMsg{LinkID: req.LinkID, Success: true},
	})
}

func (n *Node) handleLinkAck(ack *wire.LinkAckMsg) {
	n.links.setup.resolve(ack.LinkID, linkSetupOutcome{ok: ack.Success, reason: ack.Reason})
}

func (n *Node) handleUnlinkRequest(req *wire.UnlinkRequestMsg) {
	n.links.mu.Lock()
	e, ok := n.links.entries[req.LinkID]
	delete(n.links.entries, req.LinkID)
	n.links.mu.Unlock()
	if ok {
		e.unsub()
	}
}

func (n *Node) handleExitSignal(sig *wire.ExitSignalMsg) {
	n.links.mu.Lock()
	e, ok := n.links.entries[sig.LinkID]
	delete(n.links.entries, sig.LinkID)
	n.links.mu.Unlock()
	if ok {
		e.unsub()
	}

	target := actor.Ref{ID: sig.To.ID}
	n.deliverExit(target, sig.From, sig.Reason)
}

// deliverExit applies the trapExit/force-terminate rule: a process
// trapping exit gets an ExitSignal info message; otherwise it is
// force-terminated with the same reason.
func (n *Node) deliverExit(target actor.Ref, from wire.RefWire, reason wire.ProcessDownReasonWire) {
	tr := terminateReasonFromWire(reason)
	if n.actors.TrapsExit(target) {
		_ = n.actors.SendInfo(target, actor.ExitSignal{From: refFromWire(from), Reason: tr})
		return
	}
	_ = n.actors.Stop(target, tr)
}

func terminateReasonFromWire(w wire.ProcessDownReasonWire) actor.TerminateReason {
	switch w.Kind {
	case wire.ReasonNormal:
		return actor.ReasonNormal
	case wire.ReasonShutdown:
		return actor.ReasonShutdown
	case wire.ReasonNoConnection:
		return actor.ReasonError(fmt.Errorf("noconnection"))
	default:
		if w.Message != "" {
			return actor.ReasonError(fmt.Errorf("%s", w.Message))
		}
		return actor.ReasonError(fmt.Errorf("%s", w.Kind))
	}
}

// onNodeDown removes every local link half whose peer lived on the
// dead node and delivers a local noconnection exit to the linked
// process (spec.md §4.11).
func (t *linkTable) onNodeDown(n *Node, dead id.NodeID) {
	t.mu.Lock()
	var affected []*linkEntry
	for linkID, e := range t.entries {
		if e.peerNode == dead {
			affected = append(affected, e)
			delete(t.entries, linkID)
		}
	}
	t.mu.Unlock()

	for _, e := range affected {
		e.unsub()
		n.deliverExit(e.localRef, e.peerRef, wire.ProcessDownReasonWire{Kind: wire.ReasonNoConnection})
	}
}
