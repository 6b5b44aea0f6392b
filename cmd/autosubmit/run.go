package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/spf13/cobra"

	"github.com/steveyegge/autosubmit/internal/autosubmit"
	"github.com/steveyegge/autosubmit/internal/config"
	"github.com/steveyegge/autosubmit/internal/lockfile"
	"github.com/steveyegge/autosubmit/internal/logging"
	"github.com/steveyegge/autosubmit/internal/obs"
	"github.com/steveyegge/autosubmit/internal/policy"
	"github.com/steveyegge/autosubmit/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one reconciliation pass (the default command)",
	Args:  cobra.NoArgs,
	RunE:  runE,
}

func runE(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := telemetry.Init(cmd.Context(), "autosubmit", Version); err != nil {
		WarnError("%v", err)
	}

	stats, err := runAutosubmit(cmd.Context(), cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(cmd.OutOrStdout(), stats)
		return nil
	}
	printStats(cmd.OutOrStdout(), stats)
	return nil
}

// runAutosubmit performs one run under the cache directory lock.
func runAutosubmit(ctx context.Context, cfg config.Config, out io.Writer) (autosubmit.RunStats, error) {
	if err := cfg.Validate(); err != nil {
		return autosubmit.RunStats{}, err
	}

	logger, closeLog, err := logging.New(logging.Options{Verbosity: cfg.Verbose, File: cfg.Log})
	if err != nil {
		return autosubmit.RunStats{}, err
	}
	defer func() { _ = closeLog() }()

	lock, err := lockfile.Acquire(cfg.CacheDir, cfg.Project)
	if err != nil {
		return autosubmit.RunStats{}, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("Cannot release run lock", "error", err)
		}
	}()

	pol, err := policy.Load(policyPath(cfg))
	if err != nil {
		return autosubmit.RunStats{}, err
	}

	client := obs.NewClient(cfg.APIURL).WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout})
	client.DryRun = cfg.Debug

	w := &autosubmit.Worker{
		Source:   telemetry.WrapSource(client),
		Project:  cfg.Project,
		Policy:   pol,
		Logger:   logger,
		CacheDir: cfg.CacheDir,
		Debug:    cfg.Debug,
		Out:      out,
	}
	return w.Run(ctx)
}

// reportError prints err for the operator. Internal errors get full detail
// and the stack captured where they were caught.
func reportError(w io.Writer, err error) {
	var internal *autosubmit.InternalError
	switch {
	case errors.Is(err, lockfile.ErrLocked):
		_, _ = fmt.Fprintln(w, "Another instance of the script is running.")
	case errors.As(err, &internal):
		_, _ = fmt.Fprintf(w, "Error: %+v\n%s", err, internal.Stack)
	default:
		_, _ = fmt.Fprintf(w, "Error: %v\n", err)
	}
}

func printStats(w io.Writer, stats autosubmit.RunStats) {
	_, _ = fmt.Fprintf(w, "Packages with a diff: %d\n", stats.Pairs)
	_, _ = fmt.Fprintf(w, "Submitted: %d\n", stats.Submitted)
	_, _ = fmt.Fprintf(w, "Skipped: %d\n", stats.Skipped)
	_, _ = fmt.Fprintf(w, "Failed: %d\n", stats.Failed)
	if stats.Pruned > 0 {
		_, _ = fmt.Fprintf(w, "Pruned cache entries: %d\n", stats.Pruned)
	}

	reasons := make([]autosubmit.Reason, 0, len(stats.ByReason))
	for r := range stats.ByReason {
		reasons = append(reasons, r)
	}
	slices.Sort(reasons)
	for _, r := range reasons {
		_, _ = fmt.Fprintf(w, "  %-18s %d\n", r, stats.ByReason[r])
	}
}
