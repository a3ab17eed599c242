package actor_test

import (
	"context"
	"testing"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type incrMsg struct{}
type getMsg struct{}

type counter struct {
	terminated chan actor.TerminateReason
}

func (c *counter) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return 0, nil
}

func (c *counter) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	switch msg.(type) {
	case getMsg:
		return state.(int), state, nil
	default:
		return nil, state, nil
	}
}

func (c *counter) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	switch msg.(type) {
	case incrMsg:
		return state.(int) + 1, nil
	default:
		return state, nil
	}
}

func (c *counter) Terminate(ctx context.Context, state interface{}, reason actor.TerminateReason) {
	if c.terminated != nil {
		c.terminated <- reason
	}
}

func TestCounter_CastThenCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr := actor.NewManager()
	ref, err := mgr.Start(context.Background(), &counter{}, actor.Options{})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, mgr.Cast(ref, incrMsg{}))
	}

	val, err := mgr.Call(context.Background(), ref, getMsg{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 100, val)

	require.NoError(t, mgr.Stop(ref, actor.ReasonNormal))
}

func TestCounter_StatsTrackCounts(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr := actor.NewManager()
	ref, err := mgr.Start(context.Background(), &counter{}, actor.Options{})
	require.NoError(t, err)

	require.NoError(t, mgr.Cast(ref, incrMsg{}))
	_, err = mgr.Call(context.Background(), ref, getMsg{}, time.Second)
	require.NoError(t, err)

	stats, err := mgr.GetStats(ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.CastCount)
	assert.Equal(t, uint64(1), stats.CallCount)
	assert.Equal(t, actor.StatusRunning, stats.Status)

	require.NoError(t, mgr.Stop(ref, actor.ReasonNormal))
}

func TestCounter_TerminateCalledOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr := actor.NewManager()
	term := make(chan actor.TerminateReason, 1)
	ref, err := mgr.Start(context.Background(), &counter{terminated: term}, actor.Options{})
	require.NoError(t, err)

	require.NoError(t, mgr.Stop(ref, actor.ReasonShutdown))

	select {
	case reason := <-term:
		assert.Equal(t, actor.ReasonShutdown, reason)
	case <-time.After(time.Second):
		t.Fatal("terminate not called")
	}
}

func TestCall_AfterStop_ReturnsServerNotRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr := actor.NewManager()
	ref, err := mgr.Start(context.Background(), &counter{}, actor.Options{})
	require.NoError(t, err)
	require.NoError(t, mgr.Stop(ref, actor.ReasonNormal))

	_, err = mgr.Call(context.Background(), ref, getMsg{}, time.Second)
	assert.Error(t, err)
}

type failingInit struct{}

func (failingInit) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return nil, assertErr
}
func (failingInit) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	return nil, state, nil
}
func (failingInit) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	return state, nil
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestStart_InitFailure_NoRefReturned(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr := actor.NewManager()
	_, err := mgr.Start(context.Background(), failingInit{}, actor.Options{})
	assert.Error(t, err)
}

type infoCapture struct {
	infos chan interface{}
}

func (c *infoCapture) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return nil, nil
}
func (c *infoCapture) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	return nil, state, nil
}
func (c *infoCapture) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	return state, nil
}
func (c *infoCapture) HandleInfo(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	c.infos <- msg
	return state, nil
}

type tickMsg struct{}

func TestSendAfter_DeliversOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr := actor.NewManager()
	infos := make(chan interface{}, 1)
	ref, err := mgr.Start(context.Background(), &infoCapture{infos: infos}, actor.Options{})
	require.NoError(t, err)

	mgr.SendAfter(ref, tickMsg{}, 10*time.Millisecond)

	select {
	case msg := <-infos:
		assert.Equal(t, tickMsg{}, msg)
	case <-time.After(time.Second):
		t.Fatal("expected SendAfter delivery")
	}

	require.NoError(t, mgr.Stop(ref, actor.ReasonNormal))
}

type panicker struct {
	terminated chan actor.TerminateReason
}

func (p *panicker) Init(ctx context.Context, self actor.Ref) (interface{}, error) {
	return 0, nil
}
func (p *panicker) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	if _, ok := msg.(panicMsg); ok {
		panic("boom in HandleCall")
	}
	return state, state, nil
}
func (p *panicker) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	if _, ok := msg.(panicMsg); ok {
		panic("boom in HandleCast")
	}
	return state, nil
}
func (p *panicker) Terminate(ctx context.Context, state interface{}, reason actor.TerminateReason) {
	if p.terminated != nil {
		p.terminated <- reason
	}
}

type panicMsg struct{}

func TestHandleCall_Panic_TerminatesProcessWithoutCrashingNode(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr := actor.NewManager()
	term := make(chan actor.TerminateReason, 1)
	ref, err := mgr.Start(context.Background(), &panicker{terminated: term}, actor.Options{})
	require.NoError(t, err)

	_, err = mgr.Call(context.Background(), ref, panicMsg{}, time.Second)
	assert.Error(t, err)

	select {
	case reason := <-term:
		assert.False(t, reason.IsNormal())
		assert.ErrorIs(t, reason.Err, errs.ErrHandlerPanic)
	case <-time.After(time.Second):
		t.Fatal("expected terminate after panicking call handler")
	}

	// The node itself (this test process) is still alive and other
	// processes are unaffected, which is the whole point of recovering
	// inside the dispatch loop instead of letting the panic propagate.
	other, err := mgr.Start(context.Background(), &counter{}, actor.Options{})
	require.NoError(t, err)
	require.NoError(t, mgr.Stop(other, actor.ReasonNormal))
}

func TestHandleCast_Panic_TerminatesProcess(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr := actor.NewManager()
	term := make(chan actor.TerminateReason, 1)
	ref, err := mgr.Start(context.Background(), &panicker{terminated: term}, actor.Options{})
	require.NoError(t, err)

	require.NoError(t, mgr.Cast(ref, panicMsg{}))

	select {
	case reason := <-term:
		assert.False(t, reason.IsNormal())
		assert.ErrorIs(t, reason.Err, errs.ErrHandlerPanic)
	case <-time.After(time.Second):
		t.Fatal("expected terminate after panicking cast handler")
	}
}

func TestSendAfter_CancelSkipsDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr := actor.NewManager()
	infos := make(chan interface{}, 1)
	ref, err := mgr.Start(context.Background(), &infoCapture{infos: infos}, actor.Options{})
	require.NoError(t, err)

	cancel := mgr.SendAfter(ref, tickMsg{}, 30*time.Millisecond)
	cancel()

	select {
	case msg := <-infos:
		t.Fatalf("unexpected delivery after cancel: %v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, mgr.Stop(ref, actor.ReasonNormal))
}
