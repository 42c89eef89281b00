package server

import (
	"context"
	"errors"
	"fmt"

	"TWPull/internal/scheduler"
	"TWPull/pkg/config"
	xhttp "TWPull/pkg/http"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/queue"
)

// App runs the HTTP API together with the optional job queue workers and the
// daily scheduler.
type App struct {
	cfg        *config.Config
	l          *applogger.Logger
	httpServer *xhttp.Server
	queue      *queue.RedisQueue
	scheduler  *scheduler.Scheduler
}

// New creates an App. q and s may be nil when the queue or the scheduler is
// disabled.
func New(cfg *config.Config, l *applogger.Logger, srv *xhttp.Server, q *queue.RedisQueue, s *scheduler.Scheduler) *App {
	return &App{cfg: cfg, l: l, httpServer: srv, queue: q, scheduler: s}
}

// Run starts every component and blocks until ctx is cancelled, then shuts
// down in reverse order.
func (a *App) Run(ctx context.Context) error {
	if a.queue != nil {
		if err := a.queue.Start(); err != nil {
			return fmt.Errorf("start queue: %w", err)
		}
	}

	if err := a.httpServer.Start(); err != nil {
		a.stopQueue()
		return fmt.Errorf("start http server: %w", err)
	}

	if a.scheduler != nil {
		a.scheduler.Start()
		a.l.Info("scheduler started",
			applogger.String("spec", a.cfg.Scheduler.Spec),
			applogger.String("timezone", a.cfg.Scheduler.Timezone),
			applogger.Strings("symbols", a.cfg.Scheduler.Symbols),
		)
	}

	a.l.Info("twpull started",
		applogger.String("env", a.cfg.Environment),
		applogger.Int("port", a.cfg.Server.Port),
		applogger.Bool("queue", a.queue != nil),
		applogger.Bool("scheduler", a.scheduler != nil),
	)

	<-ctx.Done()
	a.l.Info("shutdown signal received")
	return a.shutdown()
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.l.Warn("scheduler stop", applogger.Error(err))
			errs = append(errs, err)
		}
	}
	if err := a.httpServer.Stop(ctx); err != nil {
		a.l.Error("http shutdown", applogger.Error(err))
		errs = append(errs, err)
	}
	if err := a.stopQueueCtx(ctx); err != nil {
		errs = append(errs, err)
	}

	a.l.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) stopQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = a.stopQueueCtx(ctx)
}

func (a *App) stopQueueCtx(ctx context.Context) error {
	if a.queue == nil {
		return nil
	}
	if err := a.queue.Stop(ctx); err != nil {
		a.l.Warn("queue stop", applogger.Error(err))
		return err
	}
	return nil
}
