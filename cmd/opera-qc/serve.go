package main

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and all stage workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath(cmd), true, true)
		},
	}
}

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API only",
		Long:  "Accepts webhooks and serves job status. Jobs stay queued until a worker process picks them up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath(cmd), true, false)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the stage workers and queue maintenance only",
		Long:  "Worker processes share the queue tables, so several can run against one database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath(cmd), false, true)
		},
	}
}

// run starts the selected parts and blocks until a signal arrives or one of
// them fails.
func run(path string, withAPI, withWorkers bool) error {
	a, err := bootstrap(path)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext(a.log)
	defer cancel()

	var parts []func(context.Context) error
	if withAPI {
		srv, err := a.server()
		if err != nil {
			return err
		}
		parts = append(parts, srv.Run)
	}
	if withWorkers {
		parts = append(parts, a.runWorkers)
	}
	return runParts(ctx, parts...)
}

// runParts runs every part until all return. The first failure cancels the
// context the others see, and is the error returned.
func runParts(ctx context.Context, parts ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		part := part
		g.Go(func() error { return part(gctx) })
	}
	return g.Wait()
}
