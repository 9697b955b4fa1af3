package main

import (
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configDir string
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "anyon-server",
		Short:         "Coding agent execution server with plan approvals",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts.configDir)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configDir, "config", "", "Directory holding config.yaml and .env (default: . then /etc/anyon)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newProfilesCmd(opts))

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
