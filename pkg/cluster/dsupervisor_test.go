package cluster_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hamicek/noex-sub011/internal/errs"
	"github.com/hamicek/noex-sub011/pkg/actor"
	"github.com/hamicek/noex-sub011/pkg/cluster"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/hamicek/noex-sub011/pkg/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pinnedThenFallbackSelector places each child on its preferred node as
// long as that node is still a candidate; once it drops out (node
// failure) the selector falls back to whatever candidate comes first,
// which candidateContext always puts the local node at.
func pinnedThenFallbackSelector(preferred map[string]id.NodeID) cluster.NodeSelector {
	var mu sync.Mutex
	return func(ctx cluster.SelectionContext) (id.NodeID, error) {
		mu.Lock()
		defer mu.Unlock()
		if want, ok := preferred[ctx.ChildID]; ok {
			for _, c := range ctx.Candidates {
				if c == want {
					return want, nil
				}
			}
		}
		if len(ctx.Candidates) == 0 {
			return "", errs.ErrNoAvailableNode
		}
		return ctx.Candidates[0], nil
	}
}

// TestDistSupervisor_NodeFailureTriggersMigration is spec.md §8
// scenario 7: a distributed supervisor on N1 places c1/c2/c3 on
// N1/N2/N3. Killing N2 must produce a noconnection-driven restart of
// c2 on a remaining node, counted as a node-failure restart, and a
// "migrated" event naming the old and new host.
func TestDistSupervisor_NodeFailureTriggersMigration(t *testing.T) {
	n1, n2, n3, n1ID, n2ID, n3ID := newTriple(t)

	for _, n := range []*cluster.Node{n1, n2, n3} {
		n.Behaviors().Register("counter", func() actor.Behavior { return counterBehavior{} })
	}

	selector := pinnedThenFallbackSelector(map[string]id.NodeID{
		"c1": n1ID,
		"c2": n2ID,
		"c3": n3ID,
	})

	events := make(chan cluster.DistEvent, 32)
	ds, err := cluster.StartDistSupervisor(context.Background(), n1, cluster.DistOptions{
		Strategy: supervisor.OneForOne,
		Selector: selector,
		Children: []cluster.DistChildSpec{
			{ID: "c1", BehaviorName: "counter", Restart: supervisor.Permanent},
			{ID: "c2", BehaviorName: "counter", Restart: supervisor.Permanent},
			{ID: "c3", BehaviorName: "counter", Restart: supervisor.Permanent},
		},
	})
	require.NoError(t, err)
	t.Cleanup(ds.Stop)

	unsub := ds.OnLifecycleEvent(func(ev cluster.DistEvent) { events <- ev })
	t.Cleanup(unsub)

	children := ds.GetChildren()
	require.Len(t, children, 3)

	require.NoError(t, n2.Stop())

	var migrated *cluster.DistEvent
	deadline := time.After(waitTimeout)
	for migrated == nil {
		select {
		case ev := <-events:
			if ev.Kind == "migrated" && ev.ChildID == "c2" {
				e := ev
				migrated = &e
			}
		case <-deadline:
			t.Fatal("timed out waiting for c2 migration event")
		}
	}

	assert.Equal(t, n2ID, migrated.FromNode)
	assert.Equal(t, n1ID, migrated.ToNode)

	stats := ds.GetStats()
	assert.Equal(t, 1, stats.NodeFailureRestarts)
	assert.Equal(t, 1, stats.ChildMigrations)

	require.Eventually(t, func() bool {
		c2, ok := ds.GetChildren()["c2"]
		return ok && c2.IsLocal()
	}, waitTimeout, waitTick)

	_ = n3ID
}
