// Package registry implements the local name registry (C8) and the
// cluster-wide global registry with conflict resolution (C11), spec.md
// §4.8–§4.9.
package registry

import (
	"sync"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/pkg/actor"
)

// Local is a node-scoped name → Ref map. Registration is optional at
// start time; entries are removed automatically when the owning
// process's terminated lifecycle event fires (grounded on
// pkg/mcast/core/peer.go's observers-map cleanup in doDeliver).
type Local struct {
	mu    sync.RWMutex
	byName map[string]actor.Ref
	byRef  map[actor.Ref]string
}

// NewLocal builds an empty local registry and wires it to mgr's
// lifecycle events so names are cleaned up on process termination.
func NewLocal(mgr *actor.Manager) *Local {
	l := &Local{
		byName: make(map[string]actor.Ref),
		byRef:  make(map[actor.Ref]string),
	}
	mgr.OnLifecycleEvent(func(ev actor.Event) {
		if ev.Kind == actor.EventTerminated {
			l.removeByRef(ev.Ref)
		}
	})
	return l
}

// Register binds name to ref. Fails if the name is already taken.
func (l *Local) Register(name string, ref actor.Ref) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byName[name]; exists {
		return errs.ErrLocalNameConflict
	}
	l.byName[name] = ref
	l.byRef[ref] = name
	return nil
}

// Unregister removes name, if present.
func (l *Local) Unregister(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref, ok := l.byName[name]
	if !ok {
		return errs.ErrLocalNameNotFound
	}
	delete(l.byName, name)
	delete(l.byRef, ref)
	return nil
}

// Lookup returns the ref bound to name, or ErrLocalNameNotFound.
func (l *Local) Lookup(name string) (actor.Ref, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ref, ok := l.byName[name]
	if !ok {
		return actor.Ref{}, errs.ErrLocalNameNotFound
	}
	return ref, nil
}

// Whereis returns the ref and true, or zero-value and false.
func (l *Local) Whereis(name string) (actor.Ref, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ref, ok := l.byName[name]
	return ref, ok
}

// Names returns a snapshot of every registered name.
func (l *Local) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.byName))
	for n := range l.byName {
		out = append(out, n)
	}
	return out
}

func (l *Local) removeByRef(ref actor.Ref) {
	l.mu.Lock()
	defer l.mu.Unlock()
	name, ok := l.byRef[ref]
	if !ok {
		return
	}
	delete(l.byRef, ref)
	delete(l.byName, name)
}
