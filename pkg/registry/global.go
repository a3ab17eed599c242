package registry

import (
	"hash/fnv"
	"sync"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/wire"
)

// Entry is one GlobalRegistry record (spec.md §4.8).
type Entry struct {
	Name         string
	Ref          wire.RefWire
	RegisteredAt uint64 // absolute origin timestamp, nanoseconds
	OwnerNodeID  string
}

// stableHash gives a deterministic tiebreak key for a NodeID, used
// when two entries share the same RegisteredAt exactly.
func stableHash(nodeID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return h.Sum32()
}

// wins reports whether candidate should replace incumbent under the
// spec.md §4.8 conflict rule: smaller registeredAt wins, ties broken
// by smaller stable hash of the owner node id.
func wins(candidate, incumbent Entry) bool {
	if candidate.RegisteredAt != incumbent.RegisteredAt {
		return candidate.RegisteredAt < incumbent.RegisteredAt
	}
	return stableHash(candidate.OwnerNodeID) < stableHash(incumbent.OwnerNodeID)
}

// ConflictSignal is delivered to a local owner that lost a naming
// conflict so it may reconcile (spec.md §4.8).
type ConflictSignal struct {
	Name   string
	Winner Entry
}

// Global is the cluster-wide name → ref view. It holds no network
// code itself; the owning cluster node calls MergeEntry on receipt of
// registry_announce/registry_conflict_resolution messages, broadcasts
// the entry Register returns, and sends LocalEntries to a newly
// connected peer.
type Global struct {
	local id.NodeID

	mu      sync.RWMutex
	entries map[string]Entry
	owned   map[string]bool

	onConflict func(ConflictSignal)
}

// NewGlobal creates an empty global registry view for the local node.
// onConflict is invoked (from the calling goroutine) whenever a
// previously-local-owned name loses a conflict.
func NewGlobal(local id.NodeID, onConflict func(ConflictSignal)) *Global {
	return &Global{
		local:      local,
		entries:    make(map[string]Entry),
		owned:      make(map[string]bool),
		onConflict: onConflict,
	}
}

// Register claims name for ref, owned by the local node, at the given
// timestamp. Fails if the name is already present in the local view.
// The caller is responsible for broadcasting the returned entry to all
// connected peers.
func (g *Global) Register(name string, ref wire.RefWire, registeredAt uint64) (Entry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.entries[name]; exists {
		return Entry{}, errs.ErrGlobalNameConflict
	}
	e := Entry{Name: name, Ref: ref, RegisteredAt: registeredAt, OwnerNodeID: string(g.local)}
	g.entries[name] = e
	g.owned[name] = true
	return e, nil
}

// Unregister removes a locally owned name.
func (g *Global) Unregister(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[name]
	if !ok || e.OwnerNodeID != string(g.local) {
		return errs.ErrGlobalNameNotFound
	}
	delete(g.entries, name)
	delete(g.owned, name)
	return nil
}

// Lookup returns the winning entry for name.
func (g *Global) Lookup(name string) (Entry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[name]
	if !ok {
		return Entry{}, errs.ErrGlobalNameNotFound
	}
	return e, nil
}

// Whereis returns the entry and true, or zero-value and false.
func (g *Global) Whereis(name string) (Entry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entries[name]
	return e, ok
}

// IsRegistered reports whether name currently has a winning entry.
func (g *Global) IsRegistered(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.entries[name]
	return ok
}

// GetNames returns every registered name.
func (g *Global) GetNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.entries))
	for n := range g.entries {
		out = append(out, n)
	}
	return out
}

// LocalEntries returns every entry currently owned by the local node,
// used both for the peer-connect full-state exchange and for
// re-announcing after a won conflict.
func (g *Global) LocalEntries() []Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Entry, 0, len(g.owned))
	for n := range g.owned {
		out = append(out, g.entries[n])
	}
	return out
}

// MergeResult reports the effect of applying one remote entry.
type MergeResult struct {
	Applied  bool  // the remote entry replaced or created the local view's entry
	Rejected bool  // the remote entry lost to the existing winner
	Winner   Entry
}

// MergeEntry applies one remote Entry through the deterministic
// conflict rule (spec.md §4.8). Idempotent: re-applying the same
// entry against itself is a no-op either way.
func (g *Global) MergeEntry(remote Entry) MergeResult {
	g.mu.Lock()
	existing, ok := g.entries[remote.Name]
	if !ok {
		g.entries[remote.Name] = remote
		g.mu.Unlock()
		return MergeResult{Applied: true, Winner: remote}
	}
	if existing == remote {
		g.mu.Unlock()
		return MergeResult{Winner: remote}
	}
	if wins(remote, existing) {
		wasOwned := g.owned[remote.Name]
		g.entries[remote.Name] = remote
		delete(g.owned, remote.Name)
		g.mu.Unlock()
		if wasOwned && g.onConflict != nil {
			g.onConflict(ConflictSignal{Name: remote.Name, Winner: remote})
		}
		return MergeResult{Applied: true, Winner: remote}
	}
	g.mu.Unlock()
	return MergeResult{Rejected: true, Winner: existing}
}

// NodeDown removes every entry owned by nodeID (spec.md §4.8
// node-down cleanup).
func (g *Global) NodeDown(nodeID id.NodeID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, e := range g.entries {
		if e.OwnerNodeID == string(nodeID) {
			delete(g.entries, name)
			delete(g.owned, name)
		}
	}
}

// Stats is a point-in-time snapshot for getStats().
type Stats struct {
	TotalNames int
	OwnedNames int
}

func (g *Global) GetStats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{TotalNames: len(g.entries), OwnedNames: len(g.owned)}
}
