package actor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hamicek/noex-sub011/internal/errs"
)

// DefaultCallTimeout is used when Call is given no deadline.
const DefaultCallTimeout = 5 * time.Second

// Manager is the process table for one node: it owns every local
// server's lifecycle and is the only thing that may construct a Ref.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*server

	lifecycle *lifecycleBus
}

// NewManager creates an empty process table.
func NewManager() *Manager {
	return &Manager{
		servers:   make(map[string]*server),
		lifecycle: newLifecycleBus(),
	}
}

// Start spawns a new process running behavior and returns its Ref
// once Init has completed successfully (spec.md §4.4 start).
func (m *Manager) Start(ctx context.Context, behavior Behavior, opts Options) (Ref, error) {
	ref := Ref{ID: uuid.NewString()}
	srv := newServer(ref, behavior, opts)

	m.mu.Lock()
	m.servers[ref.ID] = srv
	m.mu.Unlock()

	go srv.run(ctx, func(reason TerminateReason) {
		m.mu.Lock()
		delete(m.servers, ref.ID)
		m.mu.Unlock()
		if opts.OnTerminate != nil {
			opts.OnTerminate(ref, reason)
		}
		m.lifecycle.emit(Event{Kind: EventTerminated, Ref: ref, Reason: reason})
	})

	select {
	case err := <-srv.started:
		if err != nil {
			return Ref{}, err
		}
	case <-ctx.Done():
		return Ref{}, ctx.Err()
	}

	m.lifecycle.emit(Event{Kind: EventStarted, Ref: ref})
	return ref, nil
}

func (m *Manager) lookup(ref Ref) (*server, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[ref.ID]
	return srv, ok
}

// Call performs a synchronous request/reply exchange with timeout.
func (m *Manager) Call(ctx context.Context, ref Ref, msg interface{}, timeout time.Duration) (interface{}, error) {
	srv, ok := m.lookup(ref)
	if !ok {
		return nil, errs.ErrServerNotRunning
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return srv.deliverCall(cctx, msg)
}

// Cast enqueues a fire-and-forget message.
func (m *Manager) Cast(ref Ref, msg interface{}) error {
	srv, ok := m.lookup(ref)
	if !ok {
		return errs.ErrServerNotRunning
	}
	return srv.deliverCast(msg)
}

// SendInfo enqueues an out-of-band message (timers, exit signals).
func (m *Manager) SendInfo(ref Ref, msg interface{}) error {
	srv, ok := m.lookup(ref)
	if !ok {
		return errs.ErrServerNotRunning
	}
	return srv.deliverInfo(msg)
}

// SendAfter starts a timer that delivers msg to ref as an info message
// once after elapses; the returned CancelFunc discards the send if
// called before then. Grounded on ergo's Process.SendAfter.
func (m *Manager) SendAfter(ref Ref, msg interface{}, after time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(after, func() {
		if ctx.Err() != nil {
			return
		}
		_ = m.SendInfo(ref, msg)
	})
	return func() {
		cancel()
		timer.Stop()
	}
}

// Stop requests termination with the given reason and waits for the
// process to fully exit.
func (m *Manager) Stop(ref Ref, reason TerminateReason) error {
	srv, ok := m.lookup(ref)
	if !ok {
		return errs.ErrServerNotRunning
	}
	srv.requestStop(reason)
	<-srv.stopped
	return nil
}

// GetStats returns a point-in-time snapshot for one process.
func (m *Manager) GetStats(ref Ref) (Stats, error) {
	srv, ok := m.lookup(ref)
	if !ok {
		return Stats{}, errs.ErrServerNotRunning
	}
	return srv.stats(), nil
}

// Count returns the number of currently tracked local processes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.servers)
}

// TrapsExit reports whether a process registered with trapExit.
func (m *Manager) TrapsExit(ref Ref) bool {
	srv, ok := m.lookup(ref)
	if !ok {
		return false
	}
	return srv.trapExit
}

// OnLifecycleEvent subscribes to start/terminate events for every
// process this manager owns; call the returned Unsubscribe to detach.
func (m *Manager) OnLifecycleEvent(h func(Event)) Unsubscribe {
	return m.lifecycle.subscribe(h)
}
