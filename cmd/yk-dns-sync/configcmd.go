package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/config"
	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/dns"
)

var errConfigProblems = errors.New("configuration has problems")

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the servers configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and check that every adapter can be built",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := a.loadConfig()
			if err != nil {
				return err
			}
			targets, err := a.targets(f)
			if err != nil {
				return err
			}
			problems := 0
			rows := make([]checkRow, 0, len(targets))
			for _, t := range targets {
				row := checkRow{server: t.Server, status: "ok"}
				switch {
				case !t.Server.IsEnabled():
					row.status = "disabled"
				case t.Err != nil:
					row.status = t.Err.Error()
					problems++
				}
				rows = append(rows, row)
			}
			printCheck(cmd.OutOrStdout(), rows)
			if problems > 0 {
				return fmt.Errorf("%w: %d server(s) unusable", errConfigProblems, problems)
			}
			return nil
		},
	})
	return cmd
}

type checkRow struct {
	server config.Server
	status string
}

func printCheck(out io.Writer, rows []checkRow) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTYPE\tMODE\tRECORD TYPES\tSTATUS")
	for _, r := range rows {
		types := "-"
		if caps, ok := dns.CapabilitiesOf(r.server.Type); ok {
			types = fmt.Sprint(sets.List(caps))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.server.Name, r.server.Type, r.server.SyncMode, types, r.status)
	}
	_ = w.Flush()
}
