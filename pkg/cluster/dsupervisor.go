package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/supervisor"
	"github.com/hamicek/noex-sub011/pkg/wire"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// SelectionContext is what a NodeSelector sees when placing a child:
// the nodes currently eligible to host it (every connected peer plus
// the local node) and a rough load figure per node taken from
// membership heartbeats (spec.md §4.13).
type SelectionContext struct {
	Candidates []id.NodeID
	Local      id.NodeID
	Loads      map[id.NodeID]int
	ChildID    string
}

// NodeSelector picks a placement node out of ctx.Candidates. Returning
// a node not present in Candidates is treated as ErrNoAvailableNode.
type NodeSelector func(ctx SelectionContext) (id.NodeID, error)

func contains(nodes []id.NodeID, n id.NodeID) bool {
	for _, c := range nodes {
		if c == n {
			return true
		}
	}
	return false
}

// RoundRobinSelector cycles through candidates in the order reported
// by membership, wrapping back to the front once its position passes
// the end of the current candidate list.
func RoundRobinSelector() NodeSelector {
	var mu sync.Mutex
	idx := 0
	return func(ctx SelectionContext) (id.NodeID, error) {
		if len(ctx.Candidates) == 0 {
			return "", errs.ErrNoAvailableNode
		}
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(ctx.Candidates) {
			idx = 0
		}
		node := ctx.Candidates[idx]
		idx++
		return node, nil
	}
}

// RandomSelector picks uniformly among candidates.
func RandomSelector() NodeSelector {
	return func(ctx SelectionContext) (id.NodeID, error) {
		if len(ctx.Candidates) == 0 {
			return "", errs.ErrNoAvailableNode
		}
		return ctx.Candidates[rand.Intn(len(ctx.Candidates))], nil
	}
}

// LocalFirstSelector prefers the local node whenever it is still a
// candidate, falling back to the first remaining candidate.
func LocalFirstSelector() NodeSelector {
	return func(ctx SelectionContext) (id.NodeID, error) {
		if contains(ctx.Candidates, ctx.Local) {
			return ctx.Local, nil
		}
		if len(ctx.Candidates) == 0 {
			return "", errs.ErrNoAvailableNode
		}
		return ctx.Candidates[0], nil
	}
}

// LeastLoadedSelector picks the candidate with the lowest reported
// process count, breaking ties by candidate order.
func LeastLoadedSelector() NodeSelector {
	return func(ctx SelectionContext) (id.NodeID, error) {
		if len(ctx.Candidates) == 0 {
			return "", errs.ErrNoAvailableNode
		}
		best := ctx.Candidates[0]
		bestLoad := ctx.Loads[best]
		for _, node := range ctx.Candidates[1:] {
			if load := ctx.Loads[node]; load < bestLoad {
				best, bestLoad = node, load
			}
		}
		return best, nil
	}
}

// FixedSelector always targets node, failing if it is not currently a
// candidate.
func FixedSelector(node id.NodeID) NodeSelector {
	return func(ctx SelectionContext) (id.NodeID, error) {
		if !contains(ctx.Candidates, node) {
			return "", errs.ErrNoAvailableNode
		}
		return node, nil
	}
}

// DistChildSpec describes one child of a distributed supervisor. The
// behavior must be registered under BehaviorName on every node the
// selector might place it on.
type DistChildSpec struct {
	ID           string
	BehaviorName string
	SpawnOpts    SpawnOptions
	Restart      supervisor.RestartType
	Significant  bool
}

// DistOptions configures a DistSupervisor (spec.md §4.13).
type DistOptions struct {
	Strategy         supervisor.Strategy
	Selector         NodeSelector
	RestartIntensity supervisor.RestartIntensity
	AutoShutdown     supervisor.AutoShutdown
	Children         []DistChildSpec
}

func (o DistOptions) maxRestarts() int {
	if o.RestartIntensity.MaxRestarts <= 0 {
		return 3
	}
	return o.RestartIntensity.MaxRestarts
}

func (o DistOptions) windowMs() int64 {
	if o.RestartIntensity.WithinMs <= 0 {
		return 5000
	}
	return o.RestartIntensity.WithinMs
}

// DistEvent is emitted for every lifecycle transition a DistSupervisor
// drives. Kind "migrated" fires when a restart lands a child on a
// different node than it last ran on.
type DistEvent struct {
	Kind     string
	ChildID  string
	Reason   actor.TerminateReason
	FromNode id.NodeID
	ToNode   id.NodeID
}

// DistStats is the observability surface for a DistSupervisor
// (spec.md §4.13; SPEC_FULL.md §6.3 adds ChildMigrations/Placements).
type DistStats struct {
	Restarts            int
	NodeFailureRestarts int
	ChildMigrations     int
	Placements          map[id.NodeID]int
}

type distChild struct {
	spec      DistChildSpec
	ref       actor.Ref
	node      id.NodeID
	monitorID string
	order     int
}

// DistSupervisor places GenServer children across connected cluster
// nodes and restarts them, possibly on a different node, when they or
// their host node fails (spec.md §4.13, C14). It mirrors
// pkg/supervisor's restart-strategy and restart-intensity rules at
// cluster scope, using remote monitor instead of a direct lifecycle
// subscription to detect child death.
type DistSupervisor struct {
	node *Node
	opts DistOptions
	log  *logrus.Entry

	mu                sync.Mutex
	children          []*distChild
	byID              map[string]*distChild
	significantIDs    map[string]bool
	restartTimestamps []time.Time
	stats             DistStats

	listenersMu    sync.Mutex
	listeners      map[int]func(DistEvent)
	nextListenerID int

	terminated     chan struct{}
	terminatedOnce sync.Once
	finalReason    error
}

// StartDistSupervisor validates opts and places every configured
// child.
func StartDistSupervisor(ctx context.Context, node *Node, opts DistOptions) (*DistSupervisor, error) {
	if opts.Selector == nil {
		opts.Selector = LocalFirstSelector()
	}
	seen := make(map[string]bool, len(opts.Children))
	for _, c := range opts.Children {
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: %s", errs.ErrDuplicateChild, c.ID)
		}
		seen[c.ID] = true
	}

	ds := &DistSupervisor{
		node:       node,
		opts:       opts,
		log:        logx.New(string(node.cfg.Local), "dsupervisor"),
		byID:           make(map[string]*distChild),
		significantIDs: make(map[string]bool),
		listeners:      make(map[int]func(DistEvent)),
		stats:          DistStats{Placements: make(map[id.NodeID]int)},
		terminated:     make(chan struct{}),
	}

	for i, spec := range opts.Children {
		if err := ds.startChildLocked(ctx, spec, i); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func (ds *DistSupervisor) candidateContext(childID string) SelectionContext {
	connected := ds.node.Membership().GetConnectedNodes()
	candidates := make([]id.NodeID, 0, len(connected)+1)
	candidates = append(candidates, ds.node.cfg.Local)
	candidates = append(candidates, connected...)

	loads := map[id.NodeID]int{ds.node.cfg.Local: ds.node.Actors().Count()}
	for node, info := range ds.node.Membership().GetNodes() {
		loads[node] = info.ProcessCount
	}
	return SelectionContext{Candidates: candidates, Local: ds.node.cfg.Local, Loads: loads, ChildID: childID}
}

// startChildLocked places spec, installs its monitor and records it.
// Despite the name it takes ds.mu only internally, around the append
// to ds.children/ds.byID; callers never hold it across the call.
func (ds *DistSupervisor) startChildLocked(ctx context.Context, spec DistChildSpec, order int) error {
	sctx := ds.candidateContext(spec.ID)
	target, err := ds.opts.Selector(sctx)
	if err != nil {
		return err
	}
	if !contains(sctx.Candidates, target) {
		return errs.ErrNoAvailableNode
	}
	ref, err := ds.node.Spawn(ctx, spec.BehaviorName, target, spec.SpawnOpts)
	if err != nil {
		return err
	}

	c := &distChild{spec: spec, ref: ref, node: target, order: order}
	monitorID, err := ds.node.MonitorCallback(ctx, ref, 0, func(info ProcessDownInfo) {
		ds.onChildDown(spec.ID, info)
	})
	if err != nil {
		_ = ds.node.StopRef(ref, actor.ReasonShutdown)
		return err
	}
	c.monitorID = monitorID

	ds.mu.Lock()
	ds.children = append(ds.children, c)
	ds.byID[spec.ID] = c
	if spec.Significant {
		ds.significantIDs[spec.ID] = true
	}
	ds.stats.Placements[target]++
	ds.mu.Unlock()

	ds.emit(DistEvent{Kind: "started", ChildID: spec.ID, ToNode: target})
	return nil
}

// StartChild dynamically adds a child, placing it per the configured
// selector.
func (ds *DistSupervisor) StartChild(ctx context.Context, spec DistChildSpec) error {
	ds.mu.Lock()
	if _, exists := ds.byID[spec.ID]; exists {
		ds.mu.Unlock()
		return fmt.Errorf("%w: %s", errs.ErrDuplicateChild, spec.ID)
	}
	order := len(ds.children)
	ds.mu.Unlock()
	return ds.startChildLocked(ctx, spec, order)
}

// TerminateChild stops childID and removes it from supervision.
func (ds *DistSupervisor) TerminateChild(childID string) error {
	ds.mu.Lock()
	c, ok := ds.byID[childID]
	if !ok {
		ds.mu.Unlock()
		return errs.ErrChildNotFound
	}
	ds.removeChildLocked(c)
	ds.mu.Unlock()

	_ = ds.node.Demonitor(c.monitorID)
	return ds.node.StopRef(c.ref, actor.ReasonShutdown)
}

func (ds *DistSupervisor) removeChildLocked(c *distChild) {
	delete(ds.byID, c.spec.ID)
	for i, child := range ds.children {
		if child == c {
			ds.children = append(ds.children[:i], ds.children[i+1:]...)
			break
		}
	}
}

// GetChildren returns a snapshot of every supervised child's current
// ref and host node.
func (ds *DistSupervisor) GetChildren() map[string]actor.Ref {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make(map[string]actor.Ref, len(ds.children))
	for _, c := range ds.children {
		out[c.spec.ID] = c.ref
	}
	return out
}

// GetStats returns a snapshot of the restart/migration/placement
// counters.
func (ds *DistSupervisor) GetStats() DistStats {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	placements := make(map[id.NodeID]int, len(ds.stats.Placements))
	for node, count := range ds.stats.Placements {
		placements[node] = count
	}
	out := ds.stats
	out.Placements = placements
	return out
}

// onChildDown is the MonitorCallback hook fired when a supervised
// child's remote monitor reports process_down, whether due to the
// child's own termination or its host node going unreachable.
func (ds *DistSupervisor) onChildDown(childID string, info ProcessDownInfo) {
	ds.mu.Lock()
	c, ok := ds.byID[childID]
	if !ok {
		ds.mu.Unlock()
		return
	}
	reason := terminateReasonFromWire(info.Reason)
	nodeFailure := info.Reason.Kind == wire.ReasonNoConnection

	if !ds.shouldRestart(c.spec.Restart, reason) {
		ds.removeChildLocked(c)
		ds.checkAutoShutdownLocked()
		ds.mu.Unlock()
		ds.emit(DistEvent{Kind: "terminated", ChildID: childID, Reason: reason, FromNode: c.node})
		return
	}

	if ds.bumpRestartWindowExceededLocked() {
		ds.mu.Unlock()
		ds.terminateSelf(errs.ErrMaxRestartsExceeded)
		return
	}
	ds.mu.Unlock()

	switch ds.opts.Strategy {
	case supervisor.OneForAll:
		ds.restartAll(reason, nodeFailure)
	case supervisor.RestForOne:
		ds.restartFrom(c, reason, nodeFailure)
	default: // OneForOne, SimpleOneForOne
		ds.restartOne(c, reason, nodeFailure)
	}
}

func (ds *DistSupervisor) shouldRestart(restart supervisor.RestartType, reason actor.TerminateReason) bool {
	switch restart {
	case supervisor.Temporary:
		return false
	case supervisor.Transient:
		return !reason.IsNormal()
	default:
		return true
	}
}

func (ds *DistSupervisor) bumpRestartWindowExceededLocked() bool {
	now := time.Now()
	cutoff := now.Add(-time.Duration(ds.opts.windowMs()) * time.Millisecond)
	kept := ds.restartTimestamps[:0]
	for _, t := range ds.restartTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	ds.restartTimestamps = kept
	return len(ds.restartTimestamps) > ds.opts.maxRestarts()
}

// restartOne replaces a single dead child, re-running the node
// selector; a different placement emits a "migrated" event alongside
// "restarted".
func (ds *DistSupervisor) restartOne(c *distChild, reason actor.TerminateReason, nodeFailure bool) {
	ds.respawn(c, reason, nodeFailure)
}

// restartAll tears down and replaces every child in definition order
// (reverse stop, forward restart), mirroring one_for_all locally.
func (ds *DistSupervisor) restartAll(reason actor.TerminateReason, nodeFailure bool) {
	ds.mu.Lock()
	victims := make([]*distChild, len(ds.children))
	copy(victims, ds.children)
	ds.mu.Unlock()
	for i := 1; i < len(victims); i++ {
		for j := i; j > 0 && victims[j].order < victims[j-1].order; j-- {
			victims[j], victims[j-1] = victims[j-1], victims[j]
		}
	}

	for i := len(victims) - 1; i >= 0; i-- {
		c := victims[i]
		_ = ds.node.Demonitor(c.monitorID)
		_ = ds.node.StopRef(c.ref, actor.ReasonShutdown)
	}
	for _, c := range victims {
		ds.respawn(c, reason, nodeFailure)
	}
}

// restartFrom stops and restarts c and every child defined after it
// (rest_for_one).
func (ds *DistSupervisor) restartFrom(c *distChild, reason actor.TerminateReason, nodeFailure bool) {
	ds.mu.Lock()
	var victims []*distChild
	for _, child := range ds.children {
		if child.order >= c.order {
			victims = append(victims, child)
		}
	}
	ds.mu.Unlock()

	for i := len(victims) - 1; i >= 0; i-- {
		v := victims[i]
		if v == c {
			continue // already dead, no monitor/ref to tear down
		}
		_ = ds.node.Demonitor(v.monitorID)
		_ = ds.node.StopRef(v.ref, actor.ReasonShutdown)
	}
	for _, v := range victims {
		ds.respawn(v, reason, nodeFailure)
	}
}

// respawn re-selects a placement for c and installs a fresh child in
// its place, migrating the order index forward so later restarts keep
// a stable rest_for_one ordering.
func (ds *DistSupervisor) respawn(c *distChild, reason actor.TerminateReason, nodeFailure bool) {
	ds.mu.Lock()
	ds.removeChildLocked(c)
	if nodeFailure {
		ds.stats.NodeFailureRestarts++
	}
	ds.stats.Restarts++
	ds.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ds.node.cfg.remoteSpawnTimeout())
	defer cancel()

	if err := ds.startChildLocked(ctx, c.spec, c.order); err != nil {
		ds.log.WithError(err).Errorf("failed to restart child %s", c.spec.ID)
		ds.emit(DistEvent{Kind: "restart_failed", ChildID: c.spec.ID, Reason: actor.ReasonError(err), FromNode: c.node})
		return
	}

	ds.mu.Lock()
	nc := ds.byID[c.spec.ID]
	var toNode id.NodeID
	if nc != nil {
		toNode = nc.node
	}
	ds.mu.Unlock()

	ds.emit(DistEvent{Kind: "restarted", ChildID: c.spec.ID, Reason: reason, FromNode: c.node, ToNode: toNode})
	if toNode != "" && toNode != c.node {
		ds.mu.Lock()
		ds.stats.ChildMigrations++
		ds.mu.Unlock()
		ds.emit(DistEvent{Kind: "migrated", ChildID: c.spec.ID, FromNode: c.node, ToNode: toNode})
	}
}

// checkAutoShutdownLocked evaluates the auto-shutdown policy against
// the fixed set of children ever marked Significant versus those still
// alive in ds.byID. Caller must hold ds.mu.
func (ds *DistSupervisor) checkAutoShutdownLocked() {
	if ds.opts.AutoShutdown == supervisor.Never || ds.opts.AutoShutdown == "" || len(ds.significantIDs) == 0 {
		return
	}
	up := 0
	for id := range ds.significantIDs {
		if _, ok := ds.byID[id]; ok {
			up++
		}
	}
	down := len(ds.significantIDs) - up
	switch ds.opts.AutoShutdown {
	case supervisor.AnySignificant:
		if down > 0 {
			go ds.terminateSelf(nil)
		}
	case supervisor.AllSignificant:
		if up == 0 {
			go ds.terminateSelf(nil)
		}
	}
}

// terminateSelf stops every remaining child and marks the supervisor
// done.
func (ds *DistSupervisor) terminateSelf(cause error) {
	ds.terminatedOnce.Do(func() {
		ds.mu.Lock()
		victims := make([]*distChild, len(ds.children))
		copy(victims, ds.children)
		ds.children = nil
		ds.byID = make(map[string]*distChild)
		ds.mu.Unlock()

		var errOut error
		for i := len(victims) - 1; i >= 0; i-- {
			c := victims[i]
			_ = ds.node.Demonitor(c.monitorID)
			if err := ds.node.StopRef(c.ref, actor.ReasonShutdown); err != nil {
				errOut = multierr.Append(errOut, err)
			}
		}
		ds.finalReason = cause
		if ds.finalReason == nil {
			ds.finalReason = errOut
		}
		close(ds.terminated)
		ds.emit(DistEvent{Kind: "supervisor_terminated", Reason: actor.ReasonError(ds.finalReason)})
	})
}

// Stop tears down every child in reverse placement order.
func (ds *DistSupervisor) Stop() {
	ds.terminateSelf(nil)
}

// Done reports when the supervisor has fully terminated (self-shutdown
// or explicit Stop).
func (ds *DistSupervisor) Done() <-chan struct{} { return ds.terminated }

// FinalReason is ErrMaxRestartsExceeded when restart intensity ended
// the supervisor. Otherwise (explicit Stop or auto-shutdown) it holds
// the errors from stopping the remaining children, and is nil when
// every child stopped cleanly.
func (ds *DistSupervisor) FinalReason() error { return ds.finalReason }

// OnLifecycleEvent subscribes to every child placement/restart/
// termination/migration event; returns an unsubscribe func.
func (ds *DistSupervisor) OnLifecycleEvent(h func(DistEvent)) func() {
	ds.listenersMu.Lock()
	listenerID := ds.nextListenerID
	ds.nextListenerID++
	ds.listeners[listenerID] = h
	ds.listenersMu.Unlock()
	return func() {
		ds.listenersMu.Lock()
		delete(ds.listeners, listenerID)
		ds.listenersMu.Unlock()
	}
}

func (ds *DistSupervisor) emit(ev DistEvent) {
	ds.listenersMu.Lock()
	handlers := make([]func(DistEvent), 0, len(ds.listeners))
	for _, h := range ds.listeners {
		handlers = append(handlers, h)
	}
	ds.listenersMu.Unlock()
	for _, h := range handlers {
		go h(ev)
	}
}
