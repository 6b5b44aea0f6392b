package main

import (
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/autosubmit/internal/config"
	"github.com/steveyegge/autosubmit/internal/policy"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the resolved configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration after flags, environment and config file are applied",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if jsonOutput {
			outputJSON(cmd.OutOrStdout(), cfg)
			return nil
		}
		if used := config.ConfigFileUsed(); used != "" {
			printf(cmd, "# from %s\n", used)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the submission policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective policy (builtin defaults merged with the policy file)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pol, err := policy.Load(policyPath(config.Load()))
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(cmd.OutOrStdout(), pol.Snapshot())
			return nil
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(pol.Snapshot())
	},
}

func policyPath(cfg config.Config) string {
	if cfg.PolicyFile != "" {
		return cfg.PolicyFile
	}
	return filepath.Join(cfg.CacheDir, policy.FileName)
}

func init() {
	configCmd.AddCommand(configShowCmd)
	policyCmd.AddCommand(policyShowCmd)
}
