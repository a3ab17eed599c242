// Package actor implements the GenServer core (C6, spec.md §4.4): a
// per-process mailbox with sequential, single-writer handler dispatch.
package actor

import "context"

// Behavior is the capability set a GenServer exposes. Init,
// HandleCall and HandleCast are mandatory; HandleInfo and Terminate
// are optional and detected with a type assertion against
// InfoHandler/Terminator, the idiomatic Go substitute for an
// optional-capability union (grounded on the ergo reference file's
// ProcessBehavior split).
type Behavior interface {
	// Init runs once at start, before the process is registered as
	// running. A non-nil error (or exceeding the start timeout) fails
	// Start entirely; no started lifecycle event is emitted.
	Init(ctx context.Context, self Ref) (state interface{}, err error)

	// HandleCall answers a synchronous call. Its reply is delivered
	// exactly once to the caller.
	HandleCall(ctx context.Context, state interface{}, msg interface{}) (reply interface{}, newState interface{}, err error)

	// HandleCast handles a fire-and-forget message. Errors are logged,
	// never propagated to any caller.
	HandleCast(ctx context.Context, state interface{}, msg interface{}) (newState interface{}, err error)
}

// InfoHandler is the optional capability for out-of-band messages:
// timer fires, exit signals (when trapping exit), and any message a
// supervisor or subsystem injects outside the call/cast protocol.
type InfoHandler interface {
	HandleInfo(ctx context.Context, state interface{}, msg interface{}) (newState interface{}, err error)
}

// Terminator is the optional best-effort cleanup capability, run
// whenever the process stops for any reason.
type Terminator interface {
	Terminate(ctx context.Context, state interface{}, reason TerminateReason)
}

// TerminateReason classifies why a process stopped (spec.md §3/§4.10).
type TerminateReason struct {
	Kind string // "normal" | "shutdown" | "error"
	Err  error  // populated only when Kind == "error"
}

const (
	terminateNormal   = "normal"
	terminateShutdown = "shutdown"
	terminateError    = "error"
)

var (
	ReasonNormal   = TerminateReason{Kind: terminateNormal}
	ReasonShutdown = TerminateReason{Kind: terminateShutdown}
)

// ReasonError wraps a handler failure as an abnormal termination
// reason.
func ReasonError(err error) TerminateReason {
	return TerminateReason{Kind: terminateError, Err: err}
}

// IsNormal reports whether this is the one reason that never
// propagates along a link (spec.md §4.11).
func (r TerminateReason) IsNormal() bool { return r.Kind == terminateNormal }

func (r TerminateReason) String() string {
	if r.Kind == terminateError && r.Err != nil {
		return r.Kind + ": " + r.Err.Error()
	}
	return r.Kind
}

// ExitSignal is delivered as an info message to a trapping process
// when a linked peer exits abnormally (spec.md §4.11).
type ExitSignal struct {
	From   Ref
	Reason TerminateReason
}
