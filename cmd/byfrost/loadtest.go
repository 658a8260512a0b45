package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/byfrost/internal/loadtest"
	"github.com/steveyegge/byfrost/internal/peers"
	"github.com/steveyegge/byfrost/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest [peer]",
	GroupID: "maint",
	Short:   "Measure channel latency and throughput",
	Long: `Measure round-trip latency and throughput against a running peer by
sending signed pings over the channel. The probes go through the same
signing and verification path as real sync traffic, so the numbers
include authentication overhead.

The peer may be a registered name or a ws:// URL; with no argument the
configured peer_url is used.

Examples:
  byfrost loadtest gpu-box
  byfrost loadtest ws://10.0.0.5:9784/ws --messages 500 --burst 1000`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		messages, _ := cmd.Flags().GetInt("messages")
		burstSize, _ := cmd.Flags().GetInt("burst")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		cfg := loadConfig()

		target := cfg.PeerURL
		if len(args) > 0 {
			registry := peers.NewRegistry(filepath.Join(stateDir(cfg), "peers.toml"))
			url, err := registry.Resolve(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			target = url
		}
		if target == "" {
			fmt.Fprintf(os.Stderr, "Error: no peer to test; pass a peer name or URL, or set peer_url in the config\n")
			os.Exit(1)
		}

		store := openStore(cfg)
		secret, err := store.Load()
		if err != nil || secret == "" {
			fmt.Fprintf(os.Stderr, "Error: no channel secret installed; pair with the peer first (byfrost secret set)\n")
			os.Exit(1)
		}

		fmt.Printf("%s Load testing %s\n", ui.RenderAccent("🔄"), target)
		fmt.Printf("Messages:  %d sequential + %d burst\n", messages, burstSize)
		fmt.Printf("Timeout:   %s\n\n", timeout)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := loadtest.Run(ctx, loadtest.Config{
			URL:       target,
			Secret:    secret,
			Messages:  messages,
			BurstSize: burstSize,
			Timeout:   timeout,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		loadtest.PrintResult(result)
		if !result.Success {
			os.Exit(1)
		}
	},
}

func init() {
	defaults := loadtest.DefaultConfig()
	loadtestCmd.Flags().Int("messages", defaults.Messages, "Sequential round-trip probes to send")
	loadtestCmd.Flags().Int("burst", defaults.BurstSize, "Messages in the throughput burst")
	loadtestCmd.Flags().Duration("timeout", defaults.Timeout, "Overall test timeout")
	rootCmd.AddCommand(loadtestCmd)
}
