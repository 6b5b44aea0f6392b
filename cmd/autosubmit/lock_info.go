package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/autosubmit/internal/config"
	"github.com/steveyegge/autosubmit/internal/lockfile"
)

var lockInfoCmd = &cobra.Command{
	Use:   "lock-info",
	Short: "Report whether a run holds the cache directory lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := lockfile.Probe(config.GetString(config.KeyCacheDir))
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(cmd.OutOrStdout(), st)
			return nil
		}
		if !st.Held {
			printf(cmd, "No run in progress\n")
			if st.Info != nil && st.Info.PID > 0 {
				printf(cmd, "Stale marker left by pid %d\n", st.Info.PID)
			}
			return nil
		}
		printf(cmd, "Run in progress\n")
		if info := st.Info; info != nil {
			if info.PID > 0 {
				state := "alive"
				if !st.Alive {
					state = "not found"
				}
				printf(cmd, "  pid:     %d (%s)\n", info.PID, state)
			}
			if info.Project != "" {
				printf(cmd, "  project: %s\n", info.Project)
			}
			if !info.StartedAt.IsZero() {
				printf(cmd, "  started: %s (%s ago)\n", info.StartedAt.Format(time.RFC3339), time.Since(info.StartedAt).Round(time.Second))
			}
		}
		return nil
	},
}
