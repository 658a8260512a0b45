package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/byfrost/internal/secrets"
	"github.com/steveyegge/byfrost/internal/ui"
)

var secretCmd = &cobra.Command{
	Use:     "secret",
	GroupID: "channel",
	Short:   "Manage the shared channel secret",
	Long: `Manage the HMAC secret both machines sign their messages with.

Pairing is manual: show the secret on one machine and install it on the
other over a channel you already trust (SSH, a password manager, your
own eyes).`,
}

var secretShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the channel secret fingerprint (or the value with --reveal)",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)

		secret, err := store.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if secret == "" {
			fmt.Fprintf(os.Stderr, "Error: no channel secret yet\n")
			fmt.Fprintf(os.Stderr, "Start the daemon once to generate one, or paste the peer's: byfrost secret set\n")
			os.Exit(1)
		}

		reveal, _ := cmd.Flags().GetBool("reveal")
		if reveal {
			// Bare value, so it can be piped to the peer.
			fmt.Println(secret)
			return
		}
		fmt.Printf("Fingerprint: %s\n", fingerprint(secret))
		fmt.Printf("%s\n", ui.RenderMuted("Use --reveal to print the secret itself."))
	},
}

var secretSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Install a secret pasted from the peer machine",
	Long: `Install the channel secret from the peer machine.

Reads the secret from the terminal without echo, or from stdin when
piped:

  byfrost secret set
  ssh worker byfrost secret show --reveal | byfrost secret set`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)

		var value string
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			fmt.Print("Paste channel secret: ")
			data, err := term.ReadPassword(fd)
			fmt.Println()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading secret: %v\n", err)
				os.Exit(1)
			}
			value = string(data)
		} else {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading secret: %v\n", err)
				os.Exit(1)
			}
			value = string(data)
		}

		if err := store.Set(value); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Channel secret installed\n", ui.RenderPass("✓"))
		fmt.Printf("   A running daemon picks it up within a minute\n")
	},
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace the channel secret with a fresh one",
	Long: `Generate a fresh channel secret.

The old secret keeps verifying for a short grace period so in-flight
messages are not dropped. Install the new secret on the peer before the
grace period ends.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)

		next, err := store.Rotate()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		grace := cfg.Grace
		if grace <= 0 {
			grace = secrets.DefaultGracePeriod
		}
		fmt.Printf("%s Secret rotated\n", ui.RenderPass("✓"))
		fmt.Printf("   Fingerprint: %s\n", fingerprint(next))
		fmt.Printf("   The old secret keeps verifying for %s\n", grace)
		fmt.Printf("   Install on the peer: byfrost secret show --reveal\n")
	},
}

var secretPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop expired secrets from the rotation history",
	Long: `Remove rotation history entries past the retention period.

A running daemon prunes on its own every sweep interval; this command
covers machines where the daemon is not running.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)

		removed, err := store.PruneHistory()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if removed == 0 {
			fmt.Println("Nothing to prune")
			return
		}
		fmt.Printf("%s Pruned %d expired secret(s) from history\n", ui.RenderPass("✓"), removed)
	},
}

func init() {
	secretShowCmd.Flags().Bool("reveal", false, "Print the secret value instead of its fingerprint")
	secretCmd.AddCommand(secretShowCmd)
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretRotateCmd)
	secretCmd.AddCommand(secretPruneCmd)
	rootCmd.AddCommand(secretCmd)
}

// fingerprint identifies a secret without revealing it.
func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}
