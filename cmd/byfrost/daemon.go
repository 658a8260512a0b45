package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/steveyegge/byfrost/internal/config"
	"github.com/steveyegge/byfrost/internal/daemon"
	"github.com/steveyegge/byfrost/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the byfrost sync daemon in the foreground.

The daemon will:
  1. Watch the sync root and ship changed files to the peer
  2. Apply authenticated file changes arriving from the peer
  3. Serve the channel (worker role) or dial the peer (controller role)
  4. Sweep rotated secrets out of the verifier set

Role, addresses, and the sync root come from the config file; flags
override individual settings:

  byfrost daemon
  byfrost daemon --role worker --root ~/agents/byfrost
  byfrost daemon --role controller --peer ws://10.0.0.5:9784/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		if cmd.Flags().Changed("role") {
			cfg.Role, _ = cmd.Flags().GetString("role")
		}
		if cmd.Flags().Changed("root") {
			cfg.SyncRoot, _ = cmd.Flags().GetString("root")
		}
		if cmd.Flags().Changed("profile") {
			cfg.Profile, _ = cmd.Flags().GetString("profile")
		}
		if cmd.Flags().Changed("peer") {
			cfg.PeerURL, _ = cmd.Flags().GetString("peer")
		}
		if cmd.Flags().Changed("host") {
			cfg.Listen.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Listen.Port, _ = cmd.Flags().GetInt("port")
		}

		runDaemon(cfg)
	},
}

func init() {
	daemonCmd.Flags().String("role", "", "Channel role: worker or controller")
	daemonCmd.Flags().String("root", "", "Directory to keep in sync")
	daemonCmd.Flags().String("profile", "", "Sync profile: coordination or project")
	daemonCmd.Flags().String("peer", "", "Peer URL to dial (controller role)")
	daemonCmd.Flags().String("host", "", "Host to bind (worker role)")
	daemonCmd.Flags().IntP("port", "p", 0, "Port to listen on (worker role)")
	rootCmd.AddCommand(daemonCmd)
}

// runDaemon builds and runs a daemon from cfg, blocking until interrupted.
// Daemon output goes to stderr and to a rotating log file in the state
// directory: daemon.log for the worker, sync.log for the controller.
func runDaemon(cfg *config.Config) {
	logName := "daemon.log"
	if cfg.Role == string(daemon.RoleController) {
		logName = "sync.log"
	}
	rotating := &lumberjack.Logger{
		Filename:   filepath.Join(stateDir(cfg), "logs", logName),
		MaxSize:    5, // megabytes
		MaxBackups: 10,
	}
	defer rotating.Close()

	dc := cfg.Daemon()
	dc.Logger = log.New(io.MultiWriter(os.Stderr, rotating), "[daemon] ", log.LstdFlags)

	d, err := daemon.New(dc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s Starting byfrost daemon (%s)...\n", ui.RenderAccent("🚀"), d.Role())
	fmt.Printf("   Sync root: %s\n", dc.SyncRoot)
	fmt.Printf("   Profile:   %s\n", cfg.Profile)
	if d.Role() == daemon.RoleController {
		fmt.Printf("   Peer:      %s\n", cfg.PeerURL)
	} else {
		fmt.Printf("   Listen:    %s:%d\n", cfg.Listen.Host, cfg.Listen.Port)
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
		os.Exit(1)
	}
}
