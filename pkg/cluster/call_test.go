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

// TestRemoteCallCast_CounterOrdering is spec.md §8 scenario 1 run
// across two nodes: A casts 'inc' a hundred times to a GenServer
// spawned on B, then calls 'get' and expects 100.
func TestRemoteCallCast_CounterOrdering(t *testing.T) {
	a, b, _, bID := newPair(t)
	b.Behaviors().Register("counter", func() actor.Behavior { return counterBehavior{} })

	ref, err := a.Spawn(context.Background(), "counter", bID, cluster.SpawnOptions{})
	require.NoError(t, err)
	assert.False(t, ref.IsLocal())

	for i := 0; i < 100; i++ {
		require.NoError(t, a.Cast(ref, "inc"))
	}

	val, err := a.Call(context.Background(), ref, "get", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, float64(100), val)
}

func TestRemoteCall_Error_WhenTargetMissing(t *testing.T) {
	a, b, _, bID := newPair(t)
	_ = b

	ref := actor.Ref{ID: "does-not-exist", Node: &bID}
	_, err := a.Call(context.Background(), ref, "get", 200*time.Millisecond)
	assert.Error(t, err)
}
