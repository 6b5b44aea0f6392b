package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/steveyegge/autosubmit/internal/config"
	"github.com/steveyegge/autosubmit/internal/telemetry"
)

var jsonOutput bool

func init() {
	if err := config.Initialize(); err != nil {
		WarnError("failed to initialize config: %v", err)
	}

	flags := rootCmd.PersistentFlags()
	flags.String(config.KeyCacheDir, ".", "Cache directory (holds cache.db, policy.toml and the run lock)")
	flags.StringP(config.KeyAPIURL, "A", config.DefaultAPIURL, "Build service API URL")
	flags.StringP(config.KeyProject, "p", config.DefaultProject, "Target project")
	flags.String(config.KeyLog, "", "Append the log to this file instead of stderr")
	flags.CountP(config.KeyVerbose, "v", "Increase verbosity (-v info, -vv debug)")
	flags.Bool(config.KeyDebug, false, "Print the diff list and do not create requests")
	flags.String(config.KeyPolicyFile, "", "Policy file (default: <cache-dir>/policy.toml)")
	flags.Duration(config.KeyHTTPTimeout, config.DefaultHTTPTimeout, "Timeout of a single API call")
	flags.BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	if err := config.BindFlags(flags); err != nil {
		WarnError("failed to bind flags: %v", err)
	}

	rootCmd.AddCommand(runCmd, configCmd, policyCmd, cacheCmd, lockInfoCmd, versionCmd)
}

var rootCmd = &cobra.Command{
	Use:   "autosubmit",
	Short: "Submit devel package updates to their parent project",
	Long: `autosubmit compares every package of a target project with its devel
package and files a submit request when the devel package has changes that
were never submitted before. Decisions are remembered in a cache so that
repeated runs do not submit the same change twice.

Without a subcommand, autosubmit runs once.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runE,
}

func main() {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	telemetry.Shutdown(shutdownCtx)
	cancel()

	if err != nil {
		reportError(os.Stderr, err)
		os.Exit(1)
	}
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
