package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPoolsCommand(cf *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "Manage slot pools on a running server",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List pools with their occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			pools, err := cf.client().ListPools(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tACTIVE\tCAPACITY")
			for _, p := range pools {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", p.Name, p.Active, p.Capacity)
			}
			return tw.Flush()
		},
	}
	define := &cobra.Command{
		Use:   "define NAME CAPACITY",
		Short: "Create a pool or change its capacity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			capacity, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("capacity: %w", err)
			}
			p, err := cf.client().DefinePool(cmd.Context(), args[0], capacity)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d/%d slots in use\n", p.Name, p.Active, p.Capacity)
			return err
		},
	}
	cmd.AddCommand(list, define)
	return cmd
}

func newAgentsCommand(cf *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List or register agents",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List a project's agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := cf.client().ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCAPABILITIES")
			for _, a := range agents {
				fmt.Fprintf(tw, "%d\t%s\t%v\n", a.ID, a.Name, a.Capabilities)
			}
			return tw.Flush()
		},
	}
	register := &cobra.Command{
		Use:   "register [NAME]",
		Short: "Register an agent; a name is generated when omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			a, err := cf.client().RegisterAgent(cmd.Context(), name)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (id %d)\n", a.Name, a.ID)
			return err
		},
	}
	cmd.AddCommand(list, register)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the interlock version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "interlock %s\n", version)
			return err
		},
	}
}
