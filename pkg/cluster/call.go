package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/wire"
)

// CallOutcome is the resolved value of one pending remote call.
type CallOutcome struct {
	Result json.RawMessage
	Err    error
}

// callTable tracks pending remote calls with their target node, so a
// node-down event can fail every call in flight to that node
// (spec.md §4.6 failure semantics) without a linear scan of unrelated
// state.
type callTable struct {
	corr *correlator[CallOutcome]

	mu      sync.Mutex
	nodeOf  map[string]id.NodeID
}

func newCallTable() *callTable {
	return &callTable{
		corr:   newCorrelator[CallOutcome](),
		nodeOf: make(map[string]id.NodeID),
	}
}

func (t *callTable) register(callID string, node id.NodeID) chan CallOutcome {
	t.mu.Lock()
	t.nodeOf[callID] = node
	t.mu.Unlock()
	return t.corr.register(callID)
}

func (t *callTable) resolve(callID string, outcome CallOutcome) bool {
	t.mu.Lock()
	delete(t.nodeOf, callID)
	t.mu.Unlock()
	return t.corr.resolve(callID, outcome)
}

func (t *callTable) cancel(callID string) {
	t.mu.Lock()
	delete(t.nodeOf, callID)
	t.mu.Unlock()
	t.corr.cancel(callID)
}

func (t *callTable) failAllForNode(node id.NodeID, err error) {
	t.mu.Lock()
	var ids []string
	for callID, n := range t.nodeOf {
		if n == node {
			ids = append(ids, callID)
		}
	}
	t.mu.Unlock()
	for _, callID := range ids {
		t.resolve(callID, CallOutcome{Err: err})
	}
}

// Call performs a synchronous request/reply exchange (spec.md §4.6).
// A local ref is served directly by the actor manager; a remote ref
// goes out over the transport with callId correlation and a timeout.
func (n *Node) Call(ctx context.Context, ref actor.Ref, msg interface{}, timeout time.Duration) (interface{}, error) {
	if ref.IsLocal() {
		return n.actors.Call(ctx, ref, msg, timeout)
	}
	if timeout <= 0 {
		timeout = n.cfg.callTimeout()
	}
	target := *ref.Node

	payload, err := marshalPayload(msg)
	if err != nil {
		return nil, err
	}

	callID := newCorrID()
	outcomeCh := n.calls.register(callID, target)

	if err := n.trans.Send(target, wire.ClusterMessage{
		Kind: wire.KindCallRequest,
		CallRequest: &wire.CallRequestMsg{
			CallID:         callID,
			TargetServerID: ref.ID,
			Payload:        payload,
		},
	}); err != nil {
		n.calls.cancel(callID)
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case out := <-outcomeCh:
		if out.Err != nil {
			return nil, out.Err
		}
		return unmarshalPayload(out.Result)
	case <-cctx.Done():
		n.calls.cancel(callID)
		return nil, errs.ErrRemoteCallTimeout
	}
}

// Cast sends a fire-and-forget message. Local casts surface real
// errors; remote casts are best-effort and a disconnected peer is
// silently dropped per spec.md §4.6.
func (n *Node) Cast(ref actor.Ref, msg interface{}) error {
	if ref.IsLocal() {
		return n.actors.Cast(ref, msg)
	}
	payload, err := marshalPayload(msg)
	if err != nil {
		return err
	}
	_ = n.trans.Send(*ref.Node, wire.ClusterMessage{
		Kind: wire.KindCast,
		Cast: &wire.CastMsg{TargetServerID: ref.ID, Payload: payload},
	})
	return nil
}

func (n *Node) handleCallRequest(from id.NodeID, req *wire.CallRequestMsg) {
	msg, err := unmarshalPayload(req.Payload)
	if err != nil {
		n.replyCallError(from, req.CallID, err)
		return
	}
	target := actor.Ref{ID: req.TargetServerID}
	result, err := n.actors.Call(context.Background(), target, msg, n.cfg.callTimeout())
	if err != nil {
		n.replyCallError(from, req.CallID, err)
		return
	}
	resultPayload, err := marshalPayload(result)
	if err != nil {
		n.replyCallError(from, req.CallID, err)
		return
	}
	_ = n.trans.Send(from, wire.ClusterMessage{
		Kind: wire.KindCallReply,
		CallReply: &wire.CallReplyMsg{CallID: req.CallID, Result: resultPayload},
	})
}

func (n *Node) replyCallError(to id.NodeID, callID string, err error) {
	_ = n.trans.Send(to, wire.ClusterMessage{
		Kind: wire.KindCallReply,
		CallReply: &wire.CallReplyMsg{CallID: callID, Error: encodeCallError(err)},
	})
}

func (n *Node) handleCallReply(reply *wire.CallReplyMsg) {
	var outcome CallOutcome
	if reply.Error != "" {
		outcome.Err = decodeCallError(reply.Error)
	} else {
		outcome.Result = reply.Result
	}
	n.calls.resolve(reply.CallID, outcome)
}

// StopRef terminates ref, local or remote. Remote stop is fire-and-forget:
// the caller learns the outcome through its monitor, not a reply.
func (n *Node) StopRef(ref actor.Ref, reason actor.TerminateReason) error {
	if ref.IsLocal() {
		return n.actors.Stop(ref, reason)
	}
	_ = n.trans.Send(*ref.Node, wire.ClusterMessage{
		Kind: wire.KindStopRequest,
		StopRequest: &wire.StopRequestMsg{
			TargetServerID: ref.ID,
			Reason:         reasonToWire(reason),
		},
	})
	return nil
}

func (n *Node) handleStopRequest(req *wire.StopRequestMsg) {
	_ = n.actors.Stop(actor.Ref{ID: req.TargetServerID}, terminateReasonFromWire(req.Reason))
}

func (n *Node) handleCast(msg *wire.CastMsg) {
	payload, err := unmarshalPayload(msg.Payload)
	if err != nil {
		n.log.WithError(err).Warn("failed to decode inbound cast payload")
		return
	}
	_ = n.actors.Cast(actor.Ref{ID: msg.TargetServerID}, payload)
}
