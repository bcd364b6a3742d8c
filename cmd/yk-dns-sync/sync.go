package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/controller"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/ledger"
)

// errSyncFailed makes the process exit non-zero after results were printed.
var errSyncFailed = errors.New("one or more spokes failed")

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [server]",
		Short: "Run one sync pass, or a manual sync of a single spoke",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.build()
			if err != nil {
				return err
			}
			ctx := ctrl.SetupSignalHandler()

			var results []controller.SpokeResult
			if len(args) == 1 {
				res, err := c.ctrl.SyncSpoke(ctx, args[0])
				if err != nil {
					return err
				}
				results = append(results, res)
			} else {
				pass, err := c.ctrl.RunPass(ctx)
				results = pass.Spokes
				if err != nil {
					printResults(cmd.OutOrStdout(), results)
					return err
				}
			}
			printResults(cmd.OutOrStdout(), results)
			for _, r := range results {
				if r.Outcome == ledger.OutcomeError {
					return errSyncFailed
				}
			}
			return nil
		},
	}
}

func printResults(out io.Writer, results []controller.SpokeResult) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tOUTCOME\tADDED\tREMOVED\tFAILED\tSKIPPED\tDETAIL")
	for _, r := range results {
		e := r.Entry
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", r.Server, r.Outcome, e.Added, e.Removed, e.Failed, e.Skipped, r.Detail)
	}
	_ = w.Flush()
}

func newPlanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan [server]",
		Short: "Show the changes a sync would make without applying them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.build()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				for _, s := range c.cfg.Spokes() {
					if s.IsEnabled() {
						names = append(names, s.Name)
					}
				}
			}
			ctx := ctrl.SetupSignalHandler()
			var failed bool
			for _, name := range names {
				if err := printPlan(ctx, cmd.OutOrStdout(), c.ctrl, name); err != nil {
					a.log.Error(err, "preview failed", "server", name)
					failed = true
				}
			}
			if failed {
				return errSyncFailed
			}
			return nil
		},
	}
}

func printPlan(ctx context.Context, out io.Writer, c *controller.SyncController, name string) error {
	p, err := c.Preview(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d to add, %d to remove, %d unchanged\n", name, len(p.Plan.ToAdd), len(p.Plan.ToRemove), p.Plan.Unchanged)
	for _, r := range p.Plan.ToAdd {
		fmt.Fprintf(out, "  + %s\n", r)
	}
	for _, r := range p.Plan.ToRemove {
		fmt.Fprintf(out, "  - %s\n", r)
	}
	for _, r := range p.Plan.Skipped {
		fmt.Fprintf(out, "  ~ %s (type not supported)\n", r)
	}
	for _, r := range p.Plan.Retained {
		fmt.Fprintf(out, "  = %s (not managed)\n", r)
	}
	return nil
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		serverName string
		limit      int
		since      time.Duration
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show audit ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := ledger.Open(a.ledgerPath(), a.log.WithName("ledger"))
			if err != nil {
				return err
			}
			f := ledger.Filter{Server: serverName, Limit: limit}
			if since > 0 {
				f.Since = time.Now().Add(-since)
			}
			entries, err := l.Query(f)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSERVER\tTYPE\tOUTCOME\tADDED\tREMOVED\tFAILED\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Server, e.Type, e.Outcome, e.Added, e.Removed, e.Failed, e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&serverName, "server", "", "only show entries for this server")
	cmd.Flags().IntVar(&limit, "limit", 50, "show at most this many of the newest entries (0 for all)")
	cmd.Flags().DurationVar(&since, "since", 0, "only show entries newer than this, e.g. 24h")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}
