package cluster

import (
	"time"

	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/registry"
	"github.com/hamicek/noex-sub011/pkg/wire"
)

// registerGlobal claims name for ref in the global registry and
// announces the new entry to every connected peer.
func (n *Node) registerGlobal(name string, ref actor.Ref) error {
	entry, err := n.globalReg.Register(name, refToWire(n.cfg.Local, ref), uint64(time.Now().UnixNano()))
	if err != nil {
		return err
	}
	n.trans.Broadcast(wire.ClusterMessage{
		Kind:             wire.KindRegistryAnnounce,
		RegistryAnnounce: &wire.RegistryAnnounceMsg{Entries: []wire.RegistryEntryWire{entryToWire(entry)}},
	})
	return nil
}

// UnregisterGlobal drops a locally owned global name.
func (n *Node) UnregisterGlobal(name string) error {
	return n.globalReg.Unregister(name)
}

// LookupGlobal resolves name to its current winning ref.
func (n *Node) LookupGlobal(name string) (actor.Ref, error) {
	entry, err := n.globalReg.Lookup(name)
	if err != nil {
		return actor.Ref{}, err
	}
	return refFromWire(entry.Ref), nil
}

func refToWire(local id.NodeID, ref actor.Ref) wire.RefWire {
	return wire.RefWire{ID: ref.ID, Node: string(ref.NodeID(local))}
}

func refFromWire(w wire.RefWire) actor.Ref {
	node := id.NodeID(w.Node)
	return actor.Ref{ID: w.ID, Node: &node}
}

func entryToWire(e registry.Entry) wire.RegistryEntryWire {
	return wire.RegistryEntryWire{
		Name:         e.Name,
		Ref:          e.Ref,
		RegisteredAt: int64(e.RegisteredAt),
		OwnerNodeID:  e.OwnerNodeID,
	}
}

func entryFromWire(w wire.RegistryEntryWire) registry.Entry {
	return registry.Entry{
		Name:         w.Name,
		Ref:          w.Ref,
		RegisteredAt: uint64(w.RegisteredAt),
		OwnerNodeID:  w.OwnerNodeID,
	}
}

// announceLocalRegistryTo implements the peer-connect full-state
// exchange: every locally owned entry is sent to the newly connected
// peer, which merges each one through the conflict rule.
func (n *Node) announceLocalRegistryTo(peer id.NodeID) {
	owned := n.globalReg.LocalEntries()
	if len(owned) == 0 {
		return
	}
	wires := make([]wire.RegistryEntryWire, len(owned))
	for i, e := range owned {
		wires[i] = entryToWire(e)
	}
	_ = n.trans.Send(peer, wire.ClusterMessage{
		Kind:             wire.KindRegistryAnnounce,
		RegistryAnnounce: &wire.RegistryAnnounceMsg{Entries: wires},
	})
}

func (n *Node) handleRegistryAnnounce(msg *wire.RegistryAnnounceMsg) {
	for _, w := range msg.Entries {
		n.mergeAndMaybeRebroadcast(entryFromWire(w))
	}
}

func (n *Node) handleRegistryConflict(msg *wire.RegistryConflictResolutionMsg) {
	n.mergeAndMaybeRebroadcast(entryFromWire(msg.Winner))
}

// mergeAndMaybeRebroadcast applies the conflict rule and, if it
// produced a new winner, re-announces that winner to every peer so
// convergence propagates transitively (spec.md §4.8: "the winner is
// announced to all peers").
func (n *Node) mergeAndMaybeRebroadcast(remote registry.Entry) {
	res := n.globalReg.MergeEntry(remote)
	if res.Applied {
		n.trans.Broadcast(wire.ClusterMessage{
			Kind:             wire.KindRegistryConflictResolution,
			RegistryConflict: &wire.RegistryConflictResolutionMsg{Winner: entryToWire(res.Winner)},
		})
	}
}

// onRegistryConflict is registry.Global's hook for a previously-owned
// local name that lost a conflict; delivered back to the owning
// process would require a name→ref lookup this package doesn't keep,
// so it is only logged. Callers that need reconciliation should watch
// GlobalRegistry().Lookup after an onNodeDown/announce cycle.
func (n *Node) onRegistryConflict(sig registry.ConflictSignal) {
	n.log.Warnf("global name %q lost conflict to %s", sig.Name, sig.Winner.OwnerNodeID)
}
