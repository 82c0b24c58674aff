package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
)

func newLeasesCommand(cf *clientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "Inspect and manage leases on a running server",
	}

	var opts client.ListOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List active leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			leases, err := cf.client().ListLeases(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printLeases(cmd.OutOrStdout(), leases, time.Now())
		},
	}
	list.Flags().StringVar(&opts.Agent, "holder", "", "only leases held by this agent")
	list.Flags().StringVar(&opts.Kind, "kind", "", "file_pattern or slot_pool")
	list.Flags().StringVar(&opts.Prefix, "prefix", "", "only keys starting with this prefix")

	var (
		ttl    time.Duration
		shared bool
		reason string
	)
	reserve := &cobra.Command{
		Use:   "reserve PATTERN...",
		Short: "Reserve file patterns, all or none",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leases, err := cf.client().ReservePaths(cmd.Context(), args, !shared, ttl, reason)
			if err != nil {
				return err
			}
			return printLeases(cmd.OutOrStdout(), leases, time.Now())
		},
	}
	reserve.Flags().DurationVar(&ttl, "ttl", 0, "lease lifetime (server default when 0)")
	reserve.Flags().BoolVar(&shared, "shared", false, "take shared instead of exclusive leases")
	reserve.Flags().StringVar(&reason, "reason", "", "why the files are reserved")

	release := &cobra.Command{
		Use:   "release ID",
		Short: "Release a lease you hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := cf.client().Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", l.ID, l.Status)
			return err
		},
	}

	var justification string
	force := &cobra.Command{
		Use:   "force-release ID",
		Short: "End another agent's lease (needs the force-release capability)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := cf.client().ForceRelease(cmd.Context(), args[0], justification)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", l.ID, l.Status)
			return err
		},
	}
	force.Flags().StringVar(&justification, "justification", "", "recorded reason for the override")

	history := &cobra.Command{
		Use:   "history ID",
		Short: "Show a lease's audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := cf.client().History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tEVENT\tACTOR\tAT\tDETAIL")
			for _, ev := range events {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", ev.Seq, ev.Type, ev.Actor, ev.At.Format(time.RFC3339), ev.Detail)
			}
			return tw.Flush()
		},
	}

	var (
		holder int64
		types  []string
	)
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream lease events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ws := client.NewWSClient(cf.server,
				client.WithWSAPIKey(cf.apiKey),
				client.WithWSProject(cf.project),
				client.WithWSHolder(holder),
			)
			out := cmd.OutOrStdout()
			err := ws.Run(ctx, client.FilteredEventHandler(client.EventFilter{Types: types}, func(ev client.Event) {
				fmt.Fprintf(out, "%s %-20s %s %s holder=%d\n",
					ev.At.Format(time.RFC3339), ev.Type, ev.Lease.ID, ev.Lease.Key, ev.Lease.Holder)
			}))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	watch.Flags().Int64Var(&holder, "holder-id", 0, "only events for leases held by this agent id")
	watch.Flags().StringSliceVar(&types, "type", nil, "only these event types (lease.acquired, lease.expired, ...)")

	cmd.AddCommand(list, reserve, release, force, history, watch)
	return cmd
}

func printLeases(w io.Writer, leases []client.Lease, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tKEY\tMODE\tHOLDER\tEXPIRES\tRENEWED")
	for _, l := range leases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			l.ID, l.Kind, l.Key, l.Mode, l.Holder,
			humanize.RelTime(l.ExpiresAt, now, "ago", "from now"),
			strconv.Itoa(l.RenewedCount))
	}
	return tw.Flush()
}
