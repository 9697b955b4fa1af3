package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/anyon/anyon/internal/agent/actions"
	"github.com/anyon/anyon/internal/agent/registry"
	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
)

func newProfilesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List executor profiles and the command each variant runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithPath(opts.configDir)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			// Logs go to stderr so the table can be piped.
			log, err := logger.NewLogger(logger.LoggingConfig{Level: "warn", Format: "console", OutputPath: "stderr"})
			if err != nil {
				return err
			}
			profiles, _, err := registry.Provide(cfg.Executor, log)
			if err != nil {
				return fmt.Errorf("failed to load executor profiles: %w", err)
			}
			return printProfiles(cmd, profiles)
		},
	}
}

func printProfiles(cmd *cobra.Command, profiles *registry.Registry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTOR\tVARIANT\tCOMMAND")
	for _, executor := range profiles.List() {
		for _, variant := range profiles.Variants(executor) {
			profile, err := profiles.Resolve(actions.NewProfileID(executor, variant))
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", executor, variant, strings.Join(profile.Command, " "))
		}
	}
	return w.Flush()
}
