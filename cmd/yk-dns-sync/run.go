package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/yuriy-kovalchuk/yk-dns-sync/internal/server"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync on an interval and serve probes, metrics and the API",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			log := a.log.WithName("setup")
			log.Info("starting yk-dns-sync", "version", Version)

			c, err := a.build()
			if err != nil {
				return fmt.Errorf("unable to set up sync: %w", err)
			}
			if c.apiToken == "" {
				log.Info("no api token configured; sync routes are disabled")
			}
			srv := server.New(a.log.WithName("http"), c.ctrl, c.ledger, server.Options{Addr: a.listenAddr(), Token: c.apiToken})

			ctx, cancel := context.WithCancel(ctrl.SetupSignalHandler())
			defer cancel()

			// The first component to stop takes the other one down with it.
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer cancel()
				return srv.Start(gctx)
			})
			g.Go(func() error {
				defer cancel()
				return c.ctrl.Start(gctx)
			})
			if err := g.Wait(); err != nil {
				return fmt.Errorf("exited with error: %w", err)
			}
			log.Info("stopped")
			return nil
		},
	}
}
