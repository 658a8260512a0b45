package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/byfrost/internal/audit"
	"github.com/steveyegge/byfrost/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:     "audit",
	GroupID: "maint",
	Short:   "Show the security audit log",
	Long: `Show the security audit log: authentication outcomes, lockouts, secret
rotations, rejected sync paths, and daemon lifecycle events.

Examples:
  byfrost audit                       # everything still on disk
  byfrost audit --since 2h            # last two hours
  byfrost audit --since "yesterday"   # natural language works too
  byfrost audit --event AUTH_FAILURE  # one event type only
  byfrost audit --json --limit 50     # last 50 entries as JSON lines`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		event, _ := cmd.Flags().GetString("event")
		source, _ := cmd.Flags().GetString("source")
		asJSON, _ := cmd.Flags().GetBool("json")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg := loadConfig()
		path := filepath.Join(stateDir(cfg), "logs", "audit.log")

		var entries []audit.Entry
		var err error
		if since != "" {
			cutoff, perr := parseSince(since)
			if perr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", perr)
				os.Exit(1)
			}
			entries, err = audit.ReadSince(path, cutoff)
		} else {
			entries, err = audit.ReadAll(path)
		}
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Printf("No audit log yet. Run the daemon to start recording events.\n")
				return
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		entries = filterEntries(entries, event, source)

		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			}
			return
		}

		if len(entries) == 0 {
			fmt.Printf("No matching audit entries.\n")
			return
		}
		fmt.Printf("%s\n", ui.RenderHeader(fmt.Sprintf("%-20s %-18s %-22s %s", "TIME", "EVENT", "SOURCE", "DETAILS")))
		for _, e := range entries {
			ts := e.Timestamp
			if t := e.Time(); !t.IsZero() {
				ts = t.Local().Format("2006-01-02 15:04:05")
			}
			// Pad before colorizing; ANSI escapes would throw off the column width.
			event := renderEvent(fmt.Sprintf("%-18s", e.Event))
			fmt.Printf("%-20s %s %-22s %s\n", ts, event, e.Source, formatDetails(e.Details))
		}
	},
}

func init() {
	auditCmd.Flags().String("since", "", "Only show entries at or after this time (RFC 3339, a duration like 2h, or natural language)")
	auditCmd.Flags().String("event", "", "Only show entries with this event name, e.g. AUTH_FAILURE")
	auditCmd.Flags().String("source", "", "Only show entries whose source contains this string")
	auditCmd.Flags().Bool("json", false, "Emit entries as JSON lines")
	auditCmd.Flags().Int("limit", 0, "Only show the last N entries (0 = all)")
	rootCmd.AddCommand(auditCmd)
}

// filterEntries keeps entries matching the event name (exact, case folded)
// and source (substring).
func filterEntries(entries []audit.Entry, event, source string) []audit.Entry {
	if event == "" && source == "" {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if event != "" && !strings.EqualFold(e.Event, event) {
			continue
		}
		if source != "" && !strings.Contains(e.Source, source) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// parseSince accepts an RFC 3339 timestamp, a duration back from now, or a
// natural-language expression like "yesterday" or "2 hours ago".
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return time.Now().Add(-d), nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return r.Time, nil
}

func renderEvent(event string) string {
	switch strings.TrimSpace(event) {
	case audit.EventAuthFailure, audit.EventLockout:
		return ui.RenderError(event)
	case audit.EventPathRejected:
		return ui.RenderWarn(event)
	case audit.EventAuthSuccess:
		return ui.RenderPass(event)
	default:
		return ui.RenderAccent(event)
	}
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}
