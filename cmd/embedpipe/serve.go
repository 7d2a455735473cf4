package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dcbickfo/embedpipe/internal/httpapi"
	"github.com/dcbickfo/embedpipe/queue"
)

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workers and the HTTP API until interrupted",
		Long: `Run the embedding workers, the HTTP API and, when sweep.interval is set,
the periodic sweep for records without an embedding.

SIGINT or SIGTERM stops intake, drains in-flight jobs for up to
http.shutdown_timeout and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr: a.cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(a.pipeline, httpapi.Config{
			Gatherer: a.registry,
			Logger:   a.log,
		}),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}

	if err := a.pipeline.Start(); err != nil {
		return err
	}
	a.log.Info("embedpipe started", "addr", srv.Addr, "sweep_interval", a.cfg.Sweep.Interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if a.cfg.Sweep.Interval > 0 {
		g.Go(func() error {
			sweepLoop(gctx, a)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("embedpipe shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), a.pipeline.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

func sweepLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(a.cfg.Sweep.Interval)
	defer ticker.Stop()
	opts := queue.SubmitOptions{Priority: a.cfg.Sweep.Priority}
	for {
		if _, err := a.pipeline.Sweep(ctx, a.records, a.cfg.Sweep.Limit, opts); err != nil && ctx.Err() == nil {
			a.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
