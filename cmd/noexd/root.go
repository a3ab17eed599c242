package main

import (
	"fmt"
	"os"

	"github.com/hamicek/noex-sub011/internal/logx"
	"github.com/spf13/cobra"
)

const usage = `noexd runs and exercises a cluster node.

EXAMPLES:
  Start a seed node:
    noexd run --name n1 --port 4369

  Start a second node joining it:
    noexd run --name n2 --port 4370 --seed n1@127.0.0.1:4369

  Spawn a demo counter on n1 from anywhere:
    noexd spawn --node n1@127.0.0.1:4369 --behavior counter`

var rootCmd = &cobra.Command{
	Use:   "noexd",
	Short: "run and exercise an actor cluster node",
	Long:  usage,
}

var debug bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	cobra.OnInitialize(func() { logx.SetDebug(debug) })
	rootCmd.AddCommand(runCmd, spawnCmd)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
