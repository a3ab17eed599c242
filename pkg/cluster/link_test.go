package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRemoteLink_AbnormalPropagationWithTrapExit is spec.md §8
// scenario 6: P (trapExit) on A is linked to Q on B; Q crashes with
// "boom"; P receives an ExitSignal carrying that reason and is not
// terminated itself.
func TestRemoteLink_AbnormalPropagationWithTrapExit(t *testing.T) {
	a, b, _, bID := newPair(t)

	signals := make(chan actor.ExitSignal, 1)
	p, err := a.Actors().Start(context.Background(), &trapExitBehavior{signals: signals}, actor.Options{TrapExit: true})
	require.NoError(t, err)

	b.Behaviors().Register("crasher", func() actor.Behavior { return crashingBehavior{} })
	q, err := a.Spawn(context.Background(), "crasher", bID, cluster.SpawnOptions{})
	require.NoError(t, err)

	_, err = a.Link(context.Background(), p, q, time.Second)
	require.NoError(t, err)

	require.NoError(t, a.Cast(q, "anything")) // crashingBehavior dies on any cast

	select {
	case sig := <-signals:
		assert.Equal(t, q.ID, sig.From.ID)
		assert.Equal(t, "boom", sig.Reason.Err.Error())
	case <-time.After(waitTimeout):
		t.Fatal("expected exit signal")
	}

	_, statErr := a.Actors().GetStats(p)
	assert.NoError(t, statErr, "trapExit process must not be terminated by the exit signal")
}

// TestRemoteLink_NormalExitIsSilentUnlink checks that a normal
// termination on one side produces no exit signal at all.
func TestRemoteLink_NormalExitIsSilentUnlink(t *testing.T) {
	a, b, _, bID := newPair(t)

	signals := make(chan actor.ExitSignal, 1)
	p, err := a.Actors().Start(context.Background(), &trapExitBehavior{signals: signals}, actor.Options{TrapExit: true})
	require.NoError(t, err)

	b.Behaviors().Register("counter", func() actor.Behavior { return counterBehavior{} })
	q, err := a.Spawn(context.Background(), "counter", bID, cluster.SpawnOptions{})
	require.NoError(t, err)

	_, err = a.Link(context.Background(), p, q, time.Second)
	require.NoError(t, err)

	require.NoError(t, a.StopRef(q, actor.ReasonNormal))

	select {
	case sig := <-signals:
		t.Fatalf("unexpected exit signal on normal termination: %+v", sig)
	case <-time.After(300 * time.Millisecond):
	}
}
