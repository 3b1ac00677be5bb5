package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrun/internal/cron"
	agenthttp "github.com/nextlevelbuilder/agentrun/internal/http"
	"github.com/nextlevelbuilder/agentrun/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, cleanup, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			// Cron-triggered runs go through the same plan-then-execute
			// path as POST /tasks/plan, on the cron lane.
			cronSvc := cron.NewService(rt.cfg.CronStore, func(runCtx context.Context, description, contextText string) {
				lane := rt.lanes.Get(scheduler.LaneCron)
				if err := lane.Submit(runCtx, func() {
					main, err := rt.planner.Plan(context.Background(), description, contextText)
					if err != nil {
						slog.Error("scheduled planning failed", "error", err)
						return
					}
					if err := rt.exec.Execute(context.Background(), main.ID); err != nil {
						slog.Error("scheduled execution failed", "task", main.ID, "error", err)
					}
				}); err != nil {
					slog.Error("failed to schedule cron run", "error", err)
				}
			})
			if err := cronSvc.Start(ctx); err != nil {
				return err
			}
			defer cronSvc.Stop()

			server := agenthttp.NewServer(rt.cfg.Server.Addr, rt.manager, rt.planner,
				rt.exec, rt.sink, rt.lanes, rt.cfg.Server.AuthToken)

			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			slog.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}
