package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/cli"
)

func newInitCommand() *cobra.Command {
	var (
		keysFile string
		admins   []string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Add an API key for a project to the keys file",
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysFile, project, admins...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Project: %s\nKey: %s\nKeys file: %s\n", project, key, keysFile)
			for _, a := range admins {
				fmt.Fprintf(out, "Granted force-release to %s\n", a)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file path (default $INTERLOCK_KEYS_FILE or ./interlock.keys.yaml)")
	cmd.Flags().StringSliceVar(&admins, "admin", nil, "agent names to grant force-release")
	return cmd
}

func newGrantCommand() *cobra.Command {
	var keysFile string
	cmd := &cobra.Command{
		Use:   "grant AGENT CAPABILITY...",
		Short: "Grant capabilities to an agent in the keys file",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, _ := cmd.Flags().GetString("project")
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			if err := cli.GrantCapabilities(keysFile, project, args[0], args[1:]...); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "granted %v to %s/%s\n", args[1:], project, args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file path")
	return cmd
}
