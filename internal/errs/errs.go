// Package errs declares the typed error taxonomy shared across the
// actor runtime and cluster fabric (spec.md §7). Handlers that throw
// terminate the owning process ("let it crash"); these errors are the
// ones reported back to an explicit caller instead.
package errs

import (
	"errors"
	"fmt"
)

// Configuration errors. Surfaced to the caller of the failing API,
// never retried.
var (
	ErrInvalidNodeID          = errors.New("invalid node id")
	ErrInvalidClusterConfig   = errors.New("invalid cluster config")
	ErrClusterNotStarted      = errors.New("cluster not started")
	ErrBehaviorNotFound       = errors.New("behavior not found")
	ErrDuplicateChild         = errors.New("duplicate child id")
	ErrChildNotFound          = errors.New("child not found")
	ErrNoAvailableNode        = errors.New("no available node")
	ErrMissingChildTemplate   = errors.New("missing child template")
	ErrInvalidSimpleOneForOne = errors.New("invalid simple_one_for_one configuration")
)

// Connectivity errors. Pending cross-node operations are rejected; the
// reconnect loop owns retry, never the caller.
var (
	ErrNodeNotReachable = errors.New("node not reachable")
)

// NodeDownReason classifies why a peer was declared down.
type NodeDownReason string

const (
	ReasonHeartbeatTimeout   NodeDownReason = "heartbeat_timeout"
	ReasonConnectionClosed   NodeDownReason = "connection_closed"
	ReasonConnectionRefused  NodeDownReason = "connection_refused"
	ReasonGracefulShutdown   NodeDownReason = "graceful_shutdown"
)

// ErrNodeDown reports that a peer node was declared unreachable, along
// with the reason it was declared so.
type ErrNodeDown struct {
	Node   string
	Reason NodeDownReason
}

func (e *ErrNodeDown) Error() string {
	return fmt.Sprintf("node %s down: %s", e.Node, e.Reason)
}

// Serialization errors. The caller is rejected and the connection that
// produced bad bytes is terminated and re-dialed.
type SerializationPhase string

const (
	PhaseSerialize   SerializationPhase = "serialize"
	PhaseDeserialize SerializationPhase = "deserialize"
)

type ErrMessageSerialization struct {
	Phase SerializationPhase
	Cause error
}

func (e *ErrMessageSerialization) Error() string {
	return fmt.Sprintf("message %s failed: %v", e.Phase, e.Cause)
}

func (e *ErrMessageSerialization) Unwrap() error { return e.Cause }

// NewSerializationError builds a typed ErrMessageSerialization for the
// given phase, wrapping cause (cause may itself describe a framing or
// encoding failure).
func NewSerializationError(phase SerializationPhase, cause error) *ErrMessageSerialization {
	return &ErrMessageSerialization{Phase: phase, Cause: cause}
}

// Request lifecycle errors. All local-only, delivered to the awaiting
// caller.
var (
	ErrRemoteCallTimeout       = errors.New("remote call timeout")
	ErrRemoteServerNotRunning  = errors.New("remote server not running")
	ErrRemoteSpawnTimeout      = errors.New("remote spawn timeout")
	ErrRemoteSpawnInit         = errors.New("remote spawn init failed")
	ErrRemoteSpawnRegistration = errors.New("remote spawn registration failed")
	ErrRemoteMonitorTimeout    = errors.New("remote monitor setup timeout")
	ErrRemoteLinkTimeout       = errors.New("remote link setup timeout")

	// ErrCallTimeout / ErrServerNotRunning are the local (non-cluster)
	// GenServer equivalents used by pkg/actor.
	ErrCallTimeout      = errors.New("call timeout")
	ErrServerNotRunning = errors.New("server not running")

	// ErrHandlerPanic reports that a Behavior callback panicked; the
	// owning process terminates abnormally with this wrapped as its
	// reason instead of taking the whole node down.
	ErrHandlerPanic = errors.New("handler panic")
)

// Registry errors.
var (
	ErrGlobalNameConflict  = errors.New("global name conflict")
	ErrGlobalNameNotFound  = errors.New("global name not found")
	ErrLocalNameConflict   = errors.New("local name already registered")
	ErrLocalNameNotFound   = errors.New("local name not found")
)

// Supervision errors.
var (
	ErrMaxRestartsExceeded = errors.New("max restarts exceeded")
)
