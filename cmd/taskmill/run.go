package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oweller/taskmill/internal/api"
	"github.com/oweller/taskmill/internal/lock"
	"github.com/oweller/taskmill/internal/model"
	"github.com/oweller/taskmill/internal/scheduler"
)

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the polling daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer rt.close()

			fl := lock.NewFileLock(filepath.Join(rt.cfg.DataDir, "taskmill.lock"))
			if err := fl.TryLock(); err != nil {
				return err
			}
			defer fl.Unlock()

			strategy, err := strategyFromConfig(rt.cfg.Polling)
			if err != nil {
				return err
			}

			sched := scheduler.New(rt.proc, strategy, rt.logger,
				scheduler.WithDepthFunc(func(ctx context.Context) (int, error) {
					queued, err := rt.tasks.ListByStatus(ctx, model.StatusQueuedToRun)
					if err != nil {
						return 0, err
					}
					return len(queued), nil
				}))

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				err := sched.Run(ctx)
				if err == context.Canceled {
					return nil
				}
				return err
			})

			if rt.files != nil && rt.cfg.Polling.WatchQueue {
				g.Go(func() error {
					err := rt.files.Watch(ctx, sched.Wake)
					if err == context.Canceled {
						return nil
					}
					return err
				})
			}

			if rt.cfg.API.Enabled {
				srv := api.New(rt.cfg.API.Addr, rt.proc, sched, rt.locks, rt.engine, rt.tasks, rt.logger)
				g.Go(func() error {
					return srv.Run(ctx)
				})
			}

			rt.logger.Info().Str("version", version).Msg("taskmill started")
			return g.Wait()
		},
	}
}
