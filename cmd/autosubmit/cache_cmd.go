package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/autosubmit/internal/cache"
	"github.com/steveyegge/autosubmit/internal/config"
	"github.com/steveyegge/autosubmit/internal/lockfile"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the submission cache",
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the cache database path and entry count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := config.GetString(config.KeyCacheDir)
		path := filepath.Join(dir, cache.FileName)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if jsonOutput {
				outputJSON(cmd.OutOrStdout(), map[string]interface{}{"path": path, "entries": 0})
				return nil
			}
			printf(cmd, "No cache in %s\n", dir)
			return nil
		}

		store, err := cache.Open(cmd.Context(), dir)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		n, err := store.Count(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(cmd.OutOrStdout(), map[string]interface{}{"path": store.Path(), "entries": n})
			return nil
		}
		printf(cmd, "%s: %d entries\n", store.Path(), n)
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop cache entries older than --max-age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetDuration("max-age")
		if maxAge <= 0 {
			return errors.New("--max-age must be positive")
		}
		dir := config.GetString(config.KeyCacheDir)

		// A running pass owns the cache.
		lock, err := lockfile.Acquire(dir, config.GetString(config.KeyProject))
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()

		store, err := cache.Open(cmd.Context(), dir)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		n, err := store.Prune(cmd.Context(), maxAge)
		if err != nil {
			return err
		}
		printf(cmd, "Pruned %d entries\n", n)
		return nil
	},
}

func init() {
	cachePruneCmd.Flags().Duration("max-age", cache.DefaultMaxAge, "Maximum age of kept entries")
	cacheCmd.AddCommand(cacheInfoCmd, cachePruneCmd)
}
