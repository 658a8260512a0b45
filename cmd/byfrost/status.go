package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/byfrost/internal/daemon"
	"github.com/steveyegge/byfrost/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show daemon and channel status",
	Long: `Display the current status of the local byfrost daemon.

Shows:
  - Whether a daemon is running, and its pid
  - The channel secret fingerprint and last rotation
  - The configured role and addresses
  - Whether a peer is currently connected (worker role)`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		dir := stateDir(cfg)

		fmt.Printf("\n%s byfrost status\n\n", ui.RenderAccent("📡"))
		fmt.Printf("State dir: %s\n", dir)

		running := false
		if pid, ok := daemon.ReadLockOwner(dir); ok {
			running = true
			fmt.Printf("Daemon:    %s (pid %d)\n", ui.RenderPass("running"), pid)
		} else {
			fmt.Printf("Daemon:    %s\n", ui.RenderMuted("not running"))
		}

		store := openStore(cfg)
		secret, err := store.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading secret: %v\n", err)
			os.Exit(1)
		}
		if secret == "" {
			fmt.Printf("Secret:    %s\n", ui.RenderWarn("not set"))
			fmt.Printf("           Pair with the peer: byfrost secret set\n")
		} else {
			fmt.Printf("Secret:    %s\n", fingerprint(secret))
			if rotatedAt, ok := store.LastRotated(); ok {
				fmt.Printf("Rotated:   %s\n", rotatedAt.Local().Format("2006-01-02 15:04:05"))
			}
		}

		fmt.Printf("Role:      %s\n", cfg.Role)
		if cfg.Role == string(daemon.RoleController) {
			fmt.Printf("Peer:      %s\n", cfg.PeerURL)
		} else {
			fmt.Printf("Listen:    %s:%d\n", cfg.Listen.Host, cfg.Listen.Port)
			if running {
				switch connected, err := probeHealth(cfg.Listen.Host, cfg.Listen.Port); {
				case err != nil:
					fmt.Printf("Channel:   %s\n", ui.RenderMuted("unreachable"))
				case connected:
					fmt.Printf("Channel:   %s\n", ui.RenderPass("peer connected"))
				default:
					fmt.Printf("Channel:   %s\n", ui.RenderWarn("no peer connected"))
				}
			}
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// probeHealth asks a running worker daemon whether a peer is connected.
func probeHealth(host string, port int) (bool, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/health", host, port))
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var body struct {
		Status    string `json:"status"`
		Connected bool   `json:"connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Connected, nil
}
