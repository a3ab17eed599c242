package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/cluster"
	"github.com/hamicek/noex-sub011/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRemoteMonitor_NoConnection is spec.md §8 scenario 5: A monitors
// a process on B; B goes away; A gets exactly one noconnection
// process_down.
func TestRemoteMonitor_NoConnection(t *testing.T) {
	a, b, _, bID := newPair(t)

	downs := make(chan cluster.ProcessDownInfo, 4)
	monitoringRef, err := a.Actors().Start(context.Background(), &monitorCaptureBehavior{downs: downs}, actor.Options{})
	require.NoError(t, err)

	b.Behaviors().Register("counter", func() actor.Behavior { return counterBehavior{} })
	target, err := a.Spawn(context.Background(), "counter", bID, cluster.SpawnOptions{})
	require.NoError(t, err)

	_, err = a.Monitor(context.Background(), monitoringRef, target, time.Second)
	require.NoError(t, err)

	require.NoError(t, b.Stop())

	select {
	case down := <-downs:
		assert.Equal(t, wire.ReasonNoConnection, down.Reason.Kind)
	case <-time.After(waitTimeout):
		t.Fatal("expected a noconnection process_down")
	}

	select {
	case <-downs:
		t.Fatal("process_down delivered more than once")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRemoteMonitor_NoProcTarget(t *testing.T) {
	a, _, _, bID := newPair(t)

	downs := make(chan cluster.ProcessDownInfo, 1)
	monitoringRef, err := a.Actors().Start(context.Background(), &monitorCaptureBehavior{downs: downs}, actor.Options{})
	require.NoError(t, err)

	missing := actor.Ref{ID: "ghost", Node: &bID}
	_, err = a.Monitor(context.Background(), monitoringRef, missing, time.Second)
	require.NoError(t, err)

	select {
	case down := <-downs:
		assert.Equal(t, wire.ReasonNoProc, down.Reason.Kind)
	case <-time.After(waitTimeout):
		t.Fatal("expected an immediate noproc process_down")
	}
}
