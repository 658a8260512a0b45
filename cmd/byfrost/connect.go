package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/byfrost/internal/daemon"
	"github.com/steveyegge/byfrost/internal/peers"
)

var connectCmd = &cobra.Command{
	Use:     "connect <peer>",
	GroupID: "sync",
	Short:   "Dial a worker and keep its tree mirrored here",
	Long: `Run the daemon in the controller role against the given peer.

The peer may be a registered name or a websocket URL:

  byfrost connect gpu-box
  byfrost connect ws://10.0.0.5:9784/ws

This is shorthand for 'byfrost daemon --role controller --peer <url>'.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		registry := peers.NewRegistry(filepath.Join(stateDir(cfg), "peers.toml"))
		url, err := registry.Resolve(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintf(os.Stderr, "Register the peer first: byfrost peer add %s <url>\n", args[0])
			os.Exit(1)
		}

		if cmd.Flags().Changed("root") {
			cfg.SyncRoot, _ = cmd.Flags().GetString("root")
		}
		cfg.Role = string(daemon.RoleController)
		cfg.PeerURL = url

		runDaemon(cfg)
	},
}

func init() {
	connectCmd.Flags().String("root", "", "Directory to keep in sync")
	rootCmd.AddCommand(connectCmd)
}
