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

// BehaviorFactory builds a fresh Behavior instance; a new one is
// called for every spawn, local or remote, so no state leaks between
// instances of the same named behavior.
type BehaviorFactory func() actor.Behavior

// BehaviorRegistry is the node-local name → factory map spawn
// resolves against (spec.md §4.7). Behaviors cannot be serialized:
// every node that may host a given name must register the same
// factory under it.
type BehaviorRegistry struct {
	mu    sync.RWMutex
	named map[string]BehaviorFactory
}

func NewBehaviorRegistry() *BehaviorRegistry {
	return &BehaviorRegistry{named: make(map[string]BehaviorFactory)}
}

func (b *BehaviorRegistry) Register(name string, factory BehaviorFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.named[name] = factory
}

func (b *BehaviorRegistry) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.named, name)
}

func (b *BehaviorRegistry) lookup(name string) (BehaviorFactory, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, ok := b.named[name]
	return f, ok
}

// Registration selects what, if anything, a spawned process is
// registered as.
type Registration string

const (
	RegistrationNone   Registration = "none"
	RegistrationLocal  Registration = "local"
	RegistrationGlobal Registration = "global"
)

// SpawnOptions configures Node.Spawn.
type SpawnOptions struct {
	Name         string
	Registration Registration
	InitTimeout  time.Duration
	Timeout      time.Duration // remote round-trip timeout
}

// SpawnOutcome is the resolved value of one pending remote spawn.
type SpawnOutcome struct {
	ServerID string
	Err      error
}

// Spawn starts a GenServer on target (local or remote), applying the
// requested registration.
func (n *Node) Spawn(ctx context.Context, behaviorName string, target id.NodeID, opts SpawnOptions) (actor.Ref, error) {
	if target == n.cfg.Local {
		return n.spawnLocal(ctx, behaviorName, opts)
	}
	return n.spawnRemote(ctx, behaviorName, target, opts)
}

func (n *Node) spawnLocal(ctx context.Context, behaviorName string, opts SpawnOptions) (actor.Ref, error) {
	factory, ok := n.behaviors.lookup(behaviorName)
	if !ok {
		return actor.Ref{}, errs.ErrBehaviorNotFound
	}
	ref, err := n.actors.Start(ctx, factory(), actor.Options{InitTimeout: opts.InitTimeout})
	if err != nil {
		return actor.Ref{}, err
	}
	if err := n.applyRegistration(ref, opts); err != nil {
		_ = n.actors.Stop(ref, actor.ReasonShutdown)
		return actor.Ref{}, err
	}
	return ref, nil
}

func (n *Node) applyRegistration(ref actor.Ref, opts SpawnOptions) error {
	switch opts.Registration {
	case RegistrationLocal:
		return n.localReg.Register(opts.Name, ref)
	case RegistrationGlobal:
		return n.registerGlobal(opts.Name, ref)
	}
	return nil
}

func (n *Node) spawnRemote(ctx context.Context, behaviorName string, target id.NodeID, opts SpawnOptions) (actor.Ref, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = n.cfg.remoteSpawnTimeout()
	}
	spawnID := newCorrID()
	outcomeCh := n.spawns.register(spawnID)

	if err := n.trans.Send(target, wire.ClusterMessage{
		Kind: wire.KindSpawnRequest,
		SpawnRequest: &wire.SpawnRequestMsg{
			SpawnID:       spawnID,
			BehaviorName:  behaviorName,
			Registration:  string(opts.Registration),
			Name:          opts.Name,
			InitTimeoutMs: opts.InitTimeout.Milliseconds(),
		},
	}); err != nil {
		n.spawns.cancel(spawnID)
		return actor.Ref{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case out := <-outcomeCh:
		if out.Err != nil {
			return actor.Ref{}, out.Err
		}
		return actor.Ref{ID: out.ServerID, Node: &target}, nil
	case <-cctx.Done():
		n.spawns.cancel(spawnID)
		return actor.Ref{}, errs.ErrRemoteSpawnTimeout
	}
}

func (n *Node) handleSpawnRequest(from id.NodeID, req *wire.SpawnRequestMsg) {
	factory, ok := n.behaviors.lookup(req.BehaviorName)
	if !ok {
		n.replySpawnError(from, req.SpawnID, codeBehaviorNotFound, req.BehaviorName)
		return
	}

	initTimeout := time.Duration(req.InitTimeoutMs) * time.Millisecond
	ref, err := n.actors.Start(context.Background(), factory(), actor.Options{InitTimeout: initTimeout})
	if err != nil {
		n.replySpawnError(from, req.SpawnID, codeSpawnInitFailed, err.Error())
		return
	}

	regErr := n.applyRegistration(ref, SpawnOptions{Name: req.Name, Registration: Registration(req.Registration)})
	if regErr != nil {
		_ = n.actors.Stop(ref, actor.ReasonShutdown)
		n.replySpawnError(from, req.SpawnID, codeSpawnRegFailed, regErr.Error())
		return
	}

	_ = n.trans.Send(from, wire.ClusterMessage{
		Kind:       wire.KindSpawnReply,
		SpawnReply: &wire.SpawnReplyMsg{SpawnID: req.SpawnID, ServerID: ref.ID},
	})
}

func (n *Node) replySpawnError(to id.NodeID, spawnID, kind, detail string) {
	_ = n.trans.Send(to, wire.ClusterMessage{
		Kind: wire.KindSpawnReply,
		SpawnReply: &wire.SpawnReplyMsg{
			SpawnID: spawnID,
			Error:   &wire.SpawnErrorWire{Kind: kind, Detail: detail},
		},
	})
}

func (n *Node) handleSpawnReply(reply *wire.SpawnReplyMsg) {
	outcome := SpawnOutcome{ServerID: reply.ServerID}
	if reply.Error != nil {
		outcome.Err = decodeSpawnErrorKind(reply.Error)
	}
	n.spawns.resolve(reply.SpawnID, outcome)
}

func decodeSpawnErrorKind(w *wire.SpawnErrorWire) error {
	switch w.Kind {
	case codeBehaviorNotFound:
		return errs.ErrBehaviorNotFound
	case codeSpawnInitFailed:
		return fmt.Errorf("%w: %s", errs.ErrRemoteSpawnInit, w.Detail)
	case codeSpawnRegFailed:
		return fmt.Errorf("%w: %s", errs.ErrRemoteSpawnRegistration, w.Detail)
	default:
		return fmt.Errorf("%s: %s", w.Kind, w.Detail)
	}
}
