package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/hamicek/noex-sub011/pkg/cluster"
	"github.com/hamicek/noex-sub011/pkg/id"
	"github.com/spf13/cobra"
)

var (
	runName   string
	runHost   string
	runPort   int
	runSeeds  []string
	runSecret string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start a cluster node hosting the demo behaviors",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runName, "name", "node1", "this node's name")
	runCmd.Flags().StringVar(&runHost, "host", "127.0.0.1", "this node's advertised host")
	runCmd.Flags().IntVar(&runPort, "port", 4369, "TCP port to listen on")
	runCmd.Flags().StringArrayVar(&runSeeds, "seed", nil, "seed node id (name@host:port), repeatable")
	runCmd.Flags().StringVar(&runSecret, "secret", "", "shared cluster secret for envelope authentication")
}

func runRun(cmd *cobra.Command, args []string) error {
	self, err := id.New(runName, runHost, runPort)
	if err != nil {
		return fmt.Errorf("invalid node identity: %w", err)
	}
	seeds, err := parseSeeds(runSeeds)
	if err != nil {
		return err
	}

	node, err := cluster.New(cluster.Config{
		Local:         self,
		Seeds:         seeds,
		ClusterSecret: []byte(runSecret),
	})
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}
	registerDemoBehaviors(node.Behaviors())

	log := logx.New(string(self), "noexd")
	if err := node.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	log.Infof("node %s listening, %d seed(s) configured", self, len(seeds))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	return node.Stop()
}

func parseSeeds(raw []string) ([]id.NodeID, error) {
	seeds := make([]id.NodeID, 0, len(raw))
	for _, s := range raw {
		nodeID, err := id.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid seed %q: %w", s, err)
		}
		seeds = append(seeds, nodeID)
	}
	return seeds, nil
}
