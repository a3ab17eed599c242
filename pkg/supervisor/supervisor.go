// Package supervisor implements hierarchical fault-isolation over
// pkg/actor processes: child specs, restart strategies and
// restart-intensity limiting (spec.md §4.12, C7).
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// RestartType governs whether a child is restarted after it stops.
type RestartType string

const (
	Permanent RestartType = "permanent" // always restarted
	Transient RestartType = "transient" // restarted only on abnormal exit
	Temporary RestartType = "temporary" // never restarted
)

// Strategy is one of the four spec.md §4.12 restart strategies.
type Strategy string

const (
	OneForOne        Strategy = "one_for_one"
	OneForAll        Strategy = "one_for_all"
	RestForOne       Strategy = "rest_for_one"
	SimpleOneForOne  Strategy = "simple_one_for_one"
)

// AutoShutdown controls whether the supervisor itself stops when
// "significant" children stop.
type AutoShutdown string

const (
	Never          AutoShutdown = "never"
	AnySignificant AutoShutdown = "any_significant"
	AllSignificant AutoShutdown = "all_significant"
)

// RestartIntensity is the sliding-window restart rate limit.
type RestartIntensity struct {
	MaxRestarts int
	WithinMs    int64
}

func (r RestartIntensity) maxRestarts() int {
	if r.MaxRestarts <= 0 {
		return 3
	}
	return r.MaxRestarts
}

func (r RestartIntensity) within() time.Duration {
	if r.WithinMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.WithinMs) * time.Millisecond
}

// StartFunc constructs a fresh Behavior+Options pair for a child; it is
// re-invoked on every restart so each attempt gets a clean state.
type StartFunc func(ctx context.Context) (actor.Behavior, actor.Options, error)

// ChildSpec describes one supervised child (spec.md §3 ChildSpec).
type ChildSpec struct {
	ID              string
	Start           StartFunc
	Restart         RestartType
	ShutdownTimeout time.Duration
	Significant     bool
}

func (c ChildSpec) shutdownTimeout() time.Duration {
	if c.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ShutdownTimeout
}

// Options configures a Start call.
type Options struct {
	Strategy         Strategy
	Children         []ChildSpec // initial children; must be empty for SimpleOneForOne
	ChildTemplate    *ChildSpec  // required for SimpleOneForOne, forbidden otherwise
	RestartIntensity RestartIntensity
	AutoShutdown     AutoShutdown
}

// Ref identifies a running supervisor.
type Ref struct{ ID string }

// Event is emitted for supervisor-level lifecycle transitions.
type Event struct {
	Kind           string // "child_started" | "child_terminated" | "supervisor_terminated"
	ChildID        string
	Reason         actor.TerminateReason
}

type child struct {
	spec         ChildSpec
	ref          actor.Ref
	restartCount int
	order        int
	stopped      bool // intentionally terminated, excluded from restart
}

// Supervisor runs one supervision tree node.
type Supervisor struct {
	mgr  *actor.Manager
	opts Options
	log  *logrus.Entry

	mu       sync.Mutex
	children []*child
	byID     map[string]*child
	nextSimpleOrder int

	restartTimestamps []time.Time

	listenersMu       sync.Mutex
	listeners map[int]func(Event)
	nextListenerID int

	unsubscribeMgr actor.Unsubscribe
	terminated     chan struct{}
	terminatedOnce sync.Once
	finalReason    error
}

// Start validates opts, starts every initial child in definition order
// and begins supervising them.
func Start(ctx context.Context, mgr *actor.Manager, opts Options) (*Supervisor, error) {
	if opts.Strategy == SimpleOneForOne {
		if opts.ChildTemplate == nil || len(opts.Children) != 0 {
			return nil, errs.ErrInvalidSimpleOneForOne
		}
	} else if opts.ChildTemplate != nil {
		return nil, errs.ErrInvalidSimpleOneForOne
	}

	seen := make(map[string]bool, len(opts.Children))
	for _, c := range opts.Children {
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: %s", errs.ErrDuplicateChild, c.ID)
		}
		seen[c.ID] = true
	}

	s := &Supervisor{
		mgr:       mgr,
		opts:      opts,
		log:       logx.New(uuid.NewString()[:8], "supervisor"),
		byID:      make(map[string]*child),
		listeners: make(map[int]func(Event)),
		terminated: make(chan struct{}),
	}

	s.unsubscribeMgr = mgr.OnLifecycleEvent(s.onActorEvent)

	for i, spec := range opts.Children {
		if err := s.startChildLocked(ctx, spec, i); err != nil {
			s.shutdownAll(actor.ReasonShutdown)
			s.unsubscribeMgr()
			return nil, err
		}
	}

	return s, nil
}

func (s *Supervisor) startChildLocked(ctx context.Context, spec ChildSpec, order int) error {
	behavior, copts, err := spec.Start(ctx)
	if err != nil {
		return err
	}
	ref, err := s.mgr.Start(ctx, behavior, copts)
	if err != nil {
		return err
	}
	c := &child{spec: spec, ref: ref, order: order}
	s.mu.Lock()
	s.children = append(s.children, c)
	s.byID[spec.ID] = c
	s.mu.Unlock()
	s.emit(Event{Kind: "child_started", ChildID: spec.ID})
	return nil
}

// StartChild adds a child dynamically. For ordinary strategies any new
// ChildSpec may be added as long as its id is not already present. For
// SimpleOneForOne, the child is built from the template, args are
// threaded through spec.Start via closure (the template's Start is used
// when spec.Start is nil) and the id is auto-generated.
func (s *Supervisor) StartChild(ctx context.Context, spec ChildSpec) (actor.Ref, error) {
	s.mu.Lock()
	if s.opts.Strategy == SimpleOneForOne {
		tmpl := *s.opts.ChildTemplate
		if spec.Start != nil {
			tmpl.Start = spec.Start
		}
		spec = tmpl
		spec.ID = fmt.Sprintf("%s-%d", spec.ID, s.nextSimpleOrder)
	} else if _, exists := s.byID[spec.ID]; exists {
		s.mu.Unlock()
		return actor.Ref{}, fmt.Errorf("%w: %s", errs.ErrDuplicateChild, spec.ID)
	}
	order := len(s.children)
	s.nextSimpleOrder++
	s.mu.Unlock()

	if err := s.startChildLocked(ctx, spec, order); err != nil {
		return actor.Ref{}, err
	}
	s.mu.Lock()
	c := s.byID[spec.ID]
	s.mu.Unlock()
	return c.ref, nil
}

// TerminateChild stops one child and removes it from supervision.
func (s *Supervisor) TerminateChild(childID string) error {
	s.mu.Lock()
	c, ok := s.byID[childID]
	if !ok {
		s.mu.Unlock()
		return errs.ErrChildNotFound
	}
	c.stopped = true
	s.removeChildLocked(childID)
	s.mu.Unlock()

	return s.mgr.Stop(c.ref, actor.ReasonShutdown)
}

// RestartChild stops a running child with ReasonShutdown. The restart
// then happens on the ordinary death-triggered path, so the child's
// restart type and the restart intensity apply: a temporary child is
// stopped and removed, not restarted.
func (s *Supervisor) RestartChild(ctx context.Context, childID string) error {
	s.mu.Lock()
	c, ok := s.byID[childID]
	s.mu.Unlock()
	if !ok {
		return errs.ErrChildNotFound
	}
	_ = s.mgr.Stop(c.ref, actor.ReasonShutdown)
	return nil // the restart itself happens from onActorEvent once the stop is observed
}

func (s *Supervisor) removeChildLocked(childID string) {
	delete(s.byID, childID)
	for i, c := range s.children {
		if c.spec.ID == childID {
			s.children = append(s.children[:i], s.children[i+1:]...)
			break
		}
	}
}

// GetChildren returns a snapshot of current child refs keyed by id.
func (s *Supervisor) GetChildren() map[string]actor.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]actor.Ref, len(s.children))
	for _, c := range s.children {
		out[c.spec.ID] = c.ref
	}
	return out
}

// CountChildren returns the number of currently supervised children.
func (s *Supervisor) CountChildren() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// RestartCount returns how many times a given child has been restarted.
func (s *Supervisor) RestartCount(childID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.byID[childID]; ok {
		return c.restartCount
	}
	return 0
}

// onActorEvent is the manager-wide lifecycle subscriber; it filters to
// refs this supervisor owns.
func (s *Supervisor) onActorEvent(ev actor.Event) {
	if ev.Kind != actor.EventTerminated {
		return
	}
	s.mu.Lock()
	var dead *child
	for _, c := range s.children {
		if c.ref == ev.Ref {
			dead = c
			break
		}
	}
	s.mu.Unlock()
	if dead == nil {
		return
	}
	s.emit(Event{Kind: "child_terminated", ChildID: dead.spec.ID, Reason: ev.Reason})
	s.handleChildDeath(dead, ev.Reason)
}

func (s *Supervisor) handleChildDeath(dead *child, reason actor.TerminateReason) {
	s.mu.Lock()
	if dead.stopped {
		s.mu.Unlock()
		return
	}
	shouldRestart := dead.spec.Restart == Permanent ||
		(dead.spec.Restart == Transient && !reason.IsNormal())
	s.mu.Unlock()

	if !shouldRestart {
		s.mu.Lock()
		s.removeChildLocked(dead.spec.ID)
		s.checkAutoShutdownLocked(dead, reason)
		s.mu.Unlock()
		return
	}

	if s.bumpRestartWindowExceeded() {
		s.log.Error("restart intensity exceeded, terminating supervisor")
		s.terminateSelf(errs.ErrMaxRestartsExceeded)
		return
	}

	switch s.opts.Strategy {
	case OneForOne, SimpleOneForOne:
		s.restartOne(dead)
	case OneForAll:
		s.restartAll()
	case RestForOne:
		s.restartFrom(dead)
	}
}

func (s *Supervisor) checkAutoShutdownLocked(dead *child, reason actor.TerminateReason) {
	if s.opts.AutoShutdown == Never || !dead.spec.Significant {
		return
	}
	if s.opts.AutoShutdown == AnySignificant {
		go s.terminateSelf(nil)
		return
	}
	for _, c := range s.children {
		if c.spec.Significant {
			return
		}
	}
	go s.terminateSelf(nil)
}

// bumpRestartWindowExceeded appends now(), evicts entries outside the
// window, and reports whether the remaining count exceeds maxRestarts.
func (s *Supervisor) bumpRestartWindowExceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	window := s.opts.RestartIntensity.within()
	cutoff := now.Add(-window)
	kept := s.restartTimestamps[:0]
	for _, ts := range s.restartTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	s.restartTimestamps = kept
	return len(s.restartTimestamps) > s.opts.RestartIntensity.maxRestarts()
}

func (s *Supervisor) restartOne(dead *child) {
	ctx := context.Background()
	behavior, copts, err := dead.spec.Start(ctx)
	if err != nil {
		s.log.WithError(err).Error("child restart failed to build start spec")
		return
	}
	ref, err := s.mgr.Start(ctx, behavior, copts)
	if err != nil {
		s.log.WithError(err).Error("child restart failed")
		return
	}
	s.mu.Lock()
	dead.ref = ref
	dead.restartCount++
	s.mu.Unlock()
}

func (s *Supervisor) restartAll() {
	s.mu.Lock()
	ordered := make([]*child, len(s.children))
	copy(ordered, s.children)
	s.mu.Unlock()

	for i := len(ordered) - 1; i >= 0; i-- {
		if !ordered[i].stopped {
			_ = s.mgr.Stop(ordered[i].ref, actor.ReasonShutdown)
		}
	}
	for _, c := range ordered {
		s.restartOne(c)
	}
}

func (s *Supervisor) restartFrom(dead *child) {
	s.mu.Lock()
	idx := -1
	for i, c := range s.children {
		if c == dead {
			idx = i
			break
		}
	}
	var tail []*child
	if idx >= 0 {
		tail = append(tail, s.children[idx:]...)
	} else {
		tail = []*child{dead}
	}
	s.mu.Unlock()

	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i] != dead && !tail[i].stopped {
			_ = s.mgr.Stop(tail[i].ref, actor.ReasonShutdown)
		}
	}
	for _, c := range tail {
		s.restartOne(c)
	}
}

// Stop terminates every child in reverse start order, then retires the
// supervisor itself.
func (s *Supervisor) Stop(reason actor.TerminateReason) error {
	err := s.shutdownAll(reason)
	s.unsubscribeMgr()
	s.terminatedOnce.Do(func() { close(s.terminated) })
	return err
}

func (s *Supervisor) shutdownAll(reason actor.TerminateReason) error {
	s.mu.Lock()
	ordered := make([]*child, len(s.children))
	copy(ordered, s.children)
	s.children = nil
	s.byID = make(map[string]*child)
	s.mu.Unlock()

	var errAgg error
	for i := len(ordered) - 1; i >= 0; i-- {
		c := ordered[i]
		c.stopped = true
		if err := s.mgr.Stop(c.ref, reason); err != nil {
			errAgg = multierr.Append(errAgg, fmt.Errorf("child %s: %w", c.spec.ID, err))
		}
	}
	return errAgg
}

func (s *Supervisor) terminateSelf(cause error) {
	s.finalReason = cause
	s.shutdownAll(actor.ReasonShutdown)
	s.unsubscribeMgr()
	s.emit(Event{Kind: "supervisor_terminated"})
	s.terminatedOnce.Do(func() { close(s.terminated) })
}

// Done is closed once the supervisor has fully terminated, whether by
// explicit Stop or restart-intensity breach.
func (s *Supervisor) Done() <-chan struct{} { return s.terminated }

// FinalReason is non-nil only when the supervisor self-terminated due
// to MaxRestartsExceeded.
func (s *Supervisor) FinalReason() error { return s.finalReason }

// OnLifecycleEvent subscribes to this supervisor's own events.
func (s *Supervisor) OnLifecycleEvent(h func(Event)) func() {
	s.listenersMu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners[id] = h
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Supervisor) emit(ev Event) {
	s.listenersMu.Lock()
	hs := make([]func(Event), 0, len(s.listeners))
	for _, h := range s.listeners {
		hs = append(hs, h)
	}
	s.listenersMu.Unlock()
	for _, h := range hs {
		go h(ev)
	}
}
