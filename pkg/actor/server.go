package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/sirupsen/logrus"
)

// Status is a process's position in the spec.md §4.4 lifecycle.
type Status int32

const (
	StatusInitializing Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// envelope kinds travel through a single mailbox channel so the
// dispatch loop can guarantee enqueue-order processing across call,
// cast and info traffic alike (spec.md §4.4).
type envelopeKind int

const (
	envCall envelopeKind = iota
	envCast
	envInfo
	envStop
)

type envelope struct {
	kind   envelopeKind
	msg    interface{}
	reply  chan callResult
	reason TerminateReason // only for envStop
}

type callResult struct {
	value interface{}
	err   error
}

// Stats is a point-in-time snapshot of one process's counters
// (spec.md §4.4 getStats).
type Stats struct {
	CallCount  uint64
	CastCount  uint64
	InfoCount  uint64
	Status     Status
	StartedAt  time.Time
	MailboxLen int
}

// Options configures a single Start call.
type Options struct {
	Name          string // optional local registry name
	MailboxSize   int    // default 128
	InitTimeout   time.Duration
	TrapExit      bool
	OnTerminate   func(Ref, TerminateReason)
}

func (o Options) mailboxSize() int {
	if o.MailboxSize <= 0 {
		return 128
	}
	return o.MailboxSize
}

func (o Options) initTimeout() time.Duration {
	if o.InitTimeout <= 0 {
		return 5 * time.Second
	}
	return o.InitTimeout
}

// server is one running process: its mailbox, its state, and the
// single goroutine that owns both. Only this goroutine ever touches
// state or calls into Behavior, which is what gives GenServer its
// sequential-execution guarantee.
type server struct {
	ref      Ref
	behavior Behavior
	opts     Options
	log      *logrus.Entry

	mailbox chan envelope

	status    int32 // atomic Status
	startedAt time.Time

	callCount uint64
	castCount uint64
	infoCount uint64

	trapExit bool

	stopOnce sync.Once
	stopped  chan struct{}
	started  chan error
}

func newServer(ref Ref, b Behavior, opts Options) *server {
	return &server{
		ref:      ref,
		behavior: b,
		opts:     opts,
		log:      logx.New(ref.String(), "actor"),
		mailbox:  make(chan envelope, opts.mailboxSize()),
		status:   int32(StatusInitializing),
		trapExit: opts.TrapExit,
		stopped:  make(chan struct{}),
		started:  make(chan error, 1),
	}
}

func (s *server) Status() Status { return Status(atomic.LoadInt32(&s.status)) }

func (s *server) setStatus(st Status) { atomic.StoreInt32(&s.status, int32(st)) }

// run is the single-writer dispatch loop. It must execute on exactly
// one goroutine for the lifetime of the process.
func (s *server) run(initCtx context.Context, done func(TerminateReason)) {
	state, err := s.runInit(initCtx)
	if err != nil {
		s.setStatus(StatusStopped)
		s.started <- err
		close(s.stopped)
		done(ReasonError(fmt.Errorf("init: %w", err)))
		return
	}
	s.startedAt = time.Now()
	s.setStatus(StatusRunning)
	s.started <- nil

	reason := s.dispatchLoop(state)

	s.setStatus(StatusStopped)
	close(s.stopped)
	done(reason)
}

func (s *server) runInit(parent context.Context) (interface{}, error) {
	ctx, cancel := context.WithTimeout(parent, s.opts.initTimeout())
	defer cancel()

	type initResult struct {
		state interface{}
		err   error
	}
	resCh := make(chan initResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- initResult{nil, panicErr(r)}
			}
		}()
		state, err := s.behavior.Init(ctx, s.ref)
		resCh <- initResult{state, err}
	}()

	select {
	case r := <-resCh:
		return r.state, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// panicErr wraps a recovered panic value as an ErrHandlerPanic, the
// same conversion ergo's GenServer.Loop panicHandler performs before
// stopping the process instead of letting the panic escape its
// goroutine.
func panicErr(r interface{}) error {
	return fmt.Errorf("%w: %v", errs.ErrHandlerPanic, r)
}

// callHandleCall invokes HandleCall under recover so a panicking
// Behavior terminates only this process, not the node.
func (s *server) callHandleCall(ctx context.Context, state, msg interface{}) (reply, newState interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, newState, err = nil, state, panicErr(r)
		}
	}()
	return s.behavior.HandleCall(ctx, state, msg)
}

func (s *server) callHandleCast(ctx context.Context, state, msg interface{}) (newState interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			newState, err = state, panicErr(r)
		}
	}()
	return s.behavior.HandleCast(ctx, state, msg)
}

func (s *server) callHandleInfo(ih InfoHandler, ctx context.Context, state, msg interface{}) (newState interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			newState, err = state, panicErr(r)
		}
	}()
	return ih.HandleInfo(ctx, state, msg)
}

func (s *server) dispatchLoop(state interface{}) TerminateReason {
	for env := range s.mailbox {
		switch env.kind {
		case envStop:
			s.runTerminate(state, env.reason)
			return env.reason
		case envCall:
			atomic.AddUint64(&s.callCount, 1)
			reply, newState, err := s.callHandleCall(context.Background(), state, env.msg)
			state = newState
			env.reply <- callResult{reply, err}
			if err != nil {
				if errors.Is(err, errs.ErrHandlerPanic) {
					s.log.WithError(err).Error("call handler panicked")
				} else {
					s.log.WithError(err).Warn("call handler returned error")
				}
				s.runTerminate(state, ReasonError(err))
				return ReasonError(err)
			}
		case envCast:
			atomic.AddUint64(&s.castCount, 1)
			newState, err := s.callHandleCast(context.Background(), state, env.msg)
			if err != nil {
				s.log.WithError(err).Warn("cast handler returned error")
				s.runTerminate(state, ReasonError(err))
				return ReasonError(err)
			}
			state = newState
		case envInfo:
			atomic.AddUint64(&s.infoCount, 1)
			if ih, ok := s.behavior.(InfoHandler); ok {
				newState, err := s.callHandleInfo(ih, context.Background(), state, env.msg)
				if err != nil {
					s.log.WithError(err).Warn("info handler returned error")
					s.runTerminate(state, ReasonError(err))
					return ReasonError(err)
				}
				state = newState
			}
		}
	}
	// mailbox closed without an explicit stop envelope: treat as normal.
	s.runTerminate(state, ReasonNormal)
	return ReasonNormal
}

func (s *server) runTerminate(state interface{}, reason TerminateReason) {
	s.setStatus(StatusStopping)
	if t, ok := s.behavior.(Terminator); ok {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorf("terminate panicked: %v", r)
				}
			}()
			t.Terminate(context.Background(), state, reason)
		}()
	}
}

// deliverCall enqueues a call envelope and blocks for its reply or
// timeout. ctx carries the caller's deadline.
func (s *server) deliverCall(ctx context.Context, msg interface{}) (interface{}, error) {
	if s.Status() != StatusRunning {
		return nil, errs.ErrServerNotRunning
	}
	reply := make(chan callResult, 1)
	select {
	case s.mailbox <- envelope{kind: envCall, msg: msg, reply: reply}:
	case <-ctx.Done():
		return nil, errs.ErrCallTimeout
	case <-s.stopped:
		return nil, errs.ErrServerNotRunning
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, errs.ErrCallTimeout
	case <-s.stopped:
		return nil, errs.ErrServerNotRunning
	}
}

func (s *server) deliverCast(msg interface{}) error {
	if s.Status() != StatusRunning {
		return errs.ErrServerNotRunning
	}
	select {
	case s.mailbox <- envelope{kind: envCast, msg: msg}:
		return nil
	case <-s.stopped:
		return errs.ErrServerNotRunning
	}
}

func (s *server) deliverInfo(msg interface{}) error {
	if s.Status() != StatusRunning {
		return errs.ErrServerNotRunning
	}
	select {
	case s.mailbox <- envelope{kind: envInfo, msg: msg}:
		return nil
	case <-s.stopped:
		return errs.ErrServerNotRunning
	}
}

// requestStop enqueues a stop envelope behind any already enqueued
// messages, matching spec.md's "processed in enqueue order" invariant
// rather than jumping the queue.
func (s *server) requestStop(reason TerminateReason) {
	s.stopOnce.Do(func() {
		select {
		case s.mailbox <- envelope{kind: envStop, reason: reason}:
		default:
			// mailbox full: a goroutine waits for room and enqueues the
			// stop envelope, so the requested reason is still delivered.
			go func() {
				s.mailbox <- envelope{kind: envStop, reason: reason}
			}()
		}
	})
}

func (s *server) stats() Stats {
	return Stats{
		CallCount:  atomic.LoadUint64(&s.callCount),
		CastCount:  atomic.LoadUint64(&s.castCount),
		InfoCount:  atomic.LoadUint64(&s.infoCount),
		Status:     s.Status(),
		StartedAt:  s.startedAt,
		MailboxLen: len(s.mailbox),
	}
}
