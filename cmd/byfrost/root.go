package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/byfrost/internal/config"
	"github.com/steveyegge/byfrost/internal/secrets"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "byfrost",
	Short: "Authenticated file sync channel between two machines",
	Long: `byfrost keeps a directory tree in sync between two machines over a
single authenticated websocket channel.

One machine runs as the worker (it listens) and the other as the
controller (it dials in). Every message is HMAC-signed with a shared
channel secret; unauthenticated traffic gets a generic error reply, and
sources that keep failing are locked out.

Typical pairing:

  worker$      byfrost daemon                  # first start generates the secret
  worker$      byfrost secret show --reveal    # copy the secret
  controller$  byfrost secret set              # paste it
  controller$  byfrost connect ws://worker:9784/ws`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.byfrost/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "channel", Title: "Channel Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

// loadConfig reads the effective configuration, exiting on failure the way
// every command reports errors.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// stateDir resolves the state directory for CLI commands that touch it
// directly.
func stateDir(cfg *config.Config) string {
	if cfg.StateDir != "" {
		return cfg.StateDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve home directory: %v\n", err)
		os.Exit(1)
	}
	return filepath.Join(home, ".byfrost")
}

// openStore opens the secret store without daemon logging noise.
func openStore(cfg *config.Config) *secrets.Store {
	store, err := secrets.NewStore(&secrets.Config{
		Dir:         stateDir(cfg),
		GracePeriod: cfg.Grace,
		Retention:   cfg.Retention,
		Logger:      quietLogger(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return store
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
