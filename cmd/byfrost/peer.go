package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/byfrost/internal/peers"
	"github.com/steveyegge/byfrost/internal/ui"
)

var peerCmd = &cobra.Command{
	Use:     "peer",
	GroupID: "channel",
	Short:   "Manage known peers",
	Long: `Manage the registry of known remote machines, so the controller can
dial a peer by name:

  byfrost peer add gpu-box ws://10.0.0.5:9784/ws
  byfrost connect gpu-box`,
}

var peerAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Register a peer",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		role, _ := cmd.Flags().GetString("role")
		notes, _ := cmd.Flags().GetString("notes")

		registry := openRegistry()
		if err := registry.Add(peers.Peer{
			Name:  args[0],
			URL:   args[1],
			Role:  role,
			Notes: notes,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Registered peer %s -> %s\n", ui.RenderPass("✓"), args[0], args[1])
	},
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered peers",
	Run: func(cmd *cobra.Command, args []string) {
		registry := openRegistry()
		list, err := registry.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(list) == 0 {
			fmt.Printf("No peers registered. Add one with: byfrost peer add <name> <url>\n")
			return
		}

		fmt.Printf("%s\n", ui.RenderHeader(fmt.Sprintf("%-16s %-36s %-12s %s", "NAME", "URL", "ROLE", "ADDED")))
		for _, p := range list {
			fmt.Printf("%-16s %-36s %-12s %s\n", p.Name, p.URL, p.Role, p.Added.Local().Format("2006-01-02"))
			if p.Notes != "" {
				fmt.Printf("  %s\n", ui.RenderMuted(p.Notes))
			}
		}
	},
}

var peerRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a registered peer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		registry := openRegistry()
		if err := registry.Remove(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Removed peer %s\n", ui.RenderPass("✓"), args[0])
	},
}

func init() {
	peerAddCmd.Flags().String("role", "", "Role the remote side plays (worker or controller)")
	peerAddCmd.Flags().String("notes", "", "Free-form note about the peer")
	peerCmd.AddCommand(peerAddCmd)
	peerCmd.AddCommand(peerListCmd)
	peerCmd.AddCommand(peerRemoveCmd)
	rootCmd.AddCommand(peerCmd)
}

func openRegistry() *peers.Registry {
	cfg := loadConfig()
	return peers.NewRegistry(filepath.Join(stateDir(cfg), "peers.toml"))
}
