package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/hamicek/noex-sub011/pkg/cluster"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/spf13/cobra"
)

var (
	spawnTarget   string
	spawnBehavior string
	spawnName     string
	spawnGlobal   bool
	spawnTimeout  time.Duration
	spawnSecret   string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "spawn a demo behavior on a running node and exit",
	RunE:  runSpawn,
}

func init() {
	spawnCmd.Flags().StringVar(&spawnTarget, "node", "", "target node id (name@host:port) to spawn on")
	spawnCmd.Flags().StringVar(&spawnBehavior, "behavior", "counter", "registered behavior name to spawn")
	spawnCmd.Flags().StringVar(&spawnName, "register", "", "optional name to register the spawned process under")
	spawnCmd.Flags().BoolVar(&spawnGlobal, "global", false, "register globally instead of locally (requires --register)")
	spawnCmd.Flags().DurationVar(&spawnTimeout, "timeout", 10*time.Second, "overall deadline for connecting and spawning")
	spawnCmd.Flags().StringVar(&spawnSecret, "secret", "", "shared cluster secret, must match the target node's")
	_ = spawnCmd.MarkFlagRequired("node")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	target, err := id.Parse(spawnTarget)
	if err != nil {
		return fmt.Errorf("invalid --node: %w", err)
	}

	self, err := id.New("noexd-client", target.Host(), ephemeralPort())
	if err != nil {
		return fmt.Errorf("build client identity: %w", err)
	}

	node, err := cluster.New(cluster.Config{Local: self, Seeds: []id.NodeID{target}, ClusterSecret: []byte(spawnSecret)})
	if err != nil {
		return fmt.Errorf("build client node: %w", err)
	}
	if err := node.Start(); err != nil {
		return fmt.Errorf("start client node: %w", err)
	}
	defer node.Stop()

	log := logx.New(string(self), "noexd")

	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	defer cancel()
	if err := waitConnected(ctx, node, target); err != nil {
		return fmt.Errorf("never connected to %s: %w", target, err)
	}

	opts := cluster.SpawnOptions{Name: spawnName}
	switch {
	case spawnGlobal:
		opts.Registration = cluster.RegistrationGlobal
	case spawnName != "":
		opts.Registration = cluster.RegistrationLocal
	}

	ref, err := node.Spawn(ctx, spawnBehavior, target, opts)
	if err != nil {
		return fmt.Errorf("spawn failed: %w", err)
	}
	log.Infof("spawned %s (%s) on %s", ref.ID, spawnBehavior, target)
	fmt.Println(ref.ID)
	return nil
}

// waitConnected polls membership until target is reported connected
// or ctx expires; Node.Start dials seeds asynchronously so a spawn
// issued immediately after would otherwise race the handshake.
func waitConnected(ctx context.Context, node *cluster.Node, target id.NodeID) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, n := range node.Membership().GetConnectedNodes() {
			if n == target {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ephemeralPort picks a throwaway port for the client node's own
// listener; it never needs to be dialed by anyone.
func ephemeralPort() int {
	return 40000 + int(time.Now().UnixNano()%10000)
}
