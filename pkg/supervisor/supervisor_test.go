package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noop struct{}

func (noop) Init(ctx context.Context, self actor.Ref) (interface{}, error) { return nil, nil }
func (noop) HandleCall(ctx context.Context, state interface{}, msg interface{}) (interface{}, interface{}, error) {
	return nil, state, nil
}
func (noop) HandleCast(ctx context.Context, state interface{}, msg interface{}) (interface{}, error) {
	return state, nil
}

func childSpec(id string) supervisor.ChildSpec {
	return supervisor.ChildSpec{
		ID:      id,
		Restart: supervisor.Permanent,
		Start: func(ctx context.Context) (actor.Behavior, actor.Options, error) {
			return noop{}, actor.Options{}, nil
		},
	}
}

func TestSupervisor_OneForOneRestart(t *testing.T) {
	mgr := actor.NewManager()
	sup, err := supervisor.Start(context.Background(), mgr, supervisor.Options{
		Strategy:         supervisor.OneForOne,
		Children:         []supervisor.ChildSpec{childSpec("c1"), childSpec("c2")},
		RestartIntensity: supervisor.RestartIntensity{MaxRestarts: 3, WithinMs: 60000},
	})
	require.NoError(t, err)

	before := sup.GetChildren()
	c2Before := before["c2"]

	require.NoError(t, mgr.Stop(before["c1"], actor.ReasonError(assertErr("boom"))))

	require.Eventually(t, func() bool {
		return sup.RestartCount("c1") == 1
	}, time.Second, 10*time.Millisecond)

	after := sup.GetChildren()
	assert.Equal(t, c2Before, after["c2"])
	assert.NotEqual(t, before["c1"], after["c1"])

	require.NoError(t, sup.Stop(actor.ReasonShutdown))
}

func TestSupervisor_RestartIntensityBreach(t *testing.T) {
	mgr := actor.NewManager()
	sup, err := supervisor.Start(context.Background(), mgr, supervisor.Options{
		Strategy:         supervisor.OneForOne,
		Children:         []supervisor.ChildSpec{childSpec("c1"), childSpec("c2")},
		RestartIntensity: supervisor.RestartIntensity{MaxRestarts: 2, WithinMs: 1000},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		children := sup.GetChildren()
		_ = mgr.Stop(children["c1"], actor.ReasonError(assertErr("boom")))
		time.Sleep(50 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		select {
		case <-sup.Done():
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, sup.FinalReason())
	assert.Equal(t, 0, sup.CountChildren())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
