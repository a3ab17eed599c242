package actor

import "github.com/hamicek/noex-sub011/pkg/id"

// Ref identifies one process (spec.md §3 GenServerRef). A nil Node
// means local.
type Ref struct {
	ID   string
	Node *id.NodeID
}

// IsLocal reports whether this ref names a process on the local node.
func (r Ref) IsLocal() bool { return r.Node == nil }

func (r Ref) String() string {
	if r.Node == nil {
		return r.ID
	}
	return r.ID + "@" + string(*r.Node)
}

// NodeID returns the ref's origin node, or local if absent.
func (r Ref) NodeID(local id.NodeID) id.NodeID {
	if r.Node == nil {
		return local
	}
	return *r.Node
}
