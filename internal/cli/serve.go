package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mdmguard/internal/api"
	"mdmguard/internal/config"
	"mdmguard/internal/notify"
	"mdmguard/internal/scheduler"
)

func newServeCmd(a *app) *cobra.Command {
	var watchInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the status API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var manager *config.Manager
			if a.configPath != "" {
				m, err := config.NewManager(config.ResolvePath(a.configPath))
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				manager = m
			} else {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				manager = config.NewStaticManager(cfg)
			}
			cfg := manager.Get()
			if a.logLevel != "" {
				cfg.LogLevel = a.logLevel
			}
			logger, closer := a.logger(cfg)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			logger.Info("mdmguard starting", "version", Version, "config", manager.Path(), "model", cfg.Scoring.Model)
			api.Start(ctx, manager, svc.devices, svc.alerts, svc.runner, svc.store, logger, Version)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				<-gctx.Done()
				return nil
			})
			g.Go(func() error {
				manager.Watch(watchInterval, func(next *config.Config) {
					svc.runner.UpdateConfig(next)
					if old := svc.runner.SetNotifier(notify.New(next, logger)); old != nil {
						if err := old.Close(); err != nil {
							logger.Warn("close previous notifier failed", "err", err)
						}
					}
					logger.Info("config reloaded", "path", manager.Path(), "model", next.Scoring.Model)
				}, func(err error) {
					logger.Warn("config reload failed", "err", err)
				}, gctx.Done())
				return nil
			})
			if cfg.Schedule.Enabled {
				sched := scheduler.New(svc.runner, cfg.Schedule.Interval, cfg.Schedule.RunOnStart, logger)
				g.Go(func() error {
					sched.Start(gctx)
					return nil
				})
			} else {
				logger.Info("scheduler disabled")
			}
			err = g.Wait()
			logger.Info("mdmguard stopped")
			return err
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 3*time.Second, "how often to check the config file for changes")
	return cmd
}
