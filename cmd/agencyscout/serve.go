package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, both queue workers and the sweep schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if addr == "" {
				addr = a.cfg.Server.Address
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.server().Start(gctx, addr) })
			g.Go(func() error { return a.pages.Run(gctx) })
			g.Go(func() error { return a.sms.Run(gctx) })
			g.Go(func() error { return a.sweeper.Run(gctx) })
			err = g.Wait()

			// runs started by this process are interrupted with it; give their
			// drains a moment to record the outcome
			done := make(chan struct{})
			go func() { a.runner.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				a.log.Warn("pipeline runs still draining at exit")
			}
			return err
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return serve
}

func workerCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the page and sms queue workers without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := newApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.pages.Run(gctx) })
			g.Go(func() error { return a.sms.Run(gctx) })
			return g.Wait()
		},
	}
}
