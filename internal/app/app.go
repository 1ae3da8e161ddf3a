// Package app wires the probe runner, scheduler, gauge registry and HTTP
// server into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"speedtest-exporter/internal/config"
	"speedtest-exporter/internal/metrics"
	"speedtest-exporter/internal/observability/pprof"
	"speedtest-exporter/internal/probe"
	"speedtest-exporter/internal/runtime/supervisor"
	"speedtest-exporter/internal/scheduler"
	"speedtest-exporter/internal/server"
	logx "speedtest-exporter/pkg/logx"
)

// Notifier reports service state to the init system. The default uses
// sd_notify and is a no-op outside systemd.
type Notifier func(state string) (bool, error)

type Option func(*App)

// WithRunner replaces the configured probe backend.
func WithRunner(r probe.Runner) Option { return func(a *App) { a.runner = r } }

// WithNotifier replaces sd_notify.
func WithNotifier(n Notifier) Option { return func(a *App) { a.notify = n } }

// WithObserver is passed through to the scheduler.
func WithObserver(fn func(scheduler.Outcome)) Option {
	return func(a *App) { a.schedOpts = append(a.schedOpts, scheduler.WithObserver(fn)) }
}

type App struct {
	cfg config.Config
	log logx.Logger

	sup *supervisor.Supervisor

	registry *metrics.Registry
	runner   probe.Runner
	sched    *scheduler.Service
	server   *server.Server
	watcher  *config.Watcher
	pprof    *pprof.Service

	notify    Notifier
	schedOpts []scheduler.Option
}

func New(cfg config.Config, log logx.Logger, opts ...Option) (*App, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &App{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "app")),
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	for _, o := range opts {
		o(a)
	}

	spec, err := cfg.ParsedSchedule()
	if err != nil {
		return nil, err
	}

	a.registry = metrics.NewRegistry(metrics.Options{RuntimeCollectors: cfg.RuntimeMetrics})

	if a.runner == nil {
		// Ping goroutines of the library backend run under the app supervisor
		// once it exists.
		spawner := probe.SpawnerFunc(func(name string, fn func()) {
			if a.sup == nil {
				go fn()
				return
			}
			a.sup.Go0(name, func(context.Context) { fn() })
		})
		r, err := probe.New(cfg.ProbeOptions(), log.With(logx.String("comp", "probe")), probe.WithSpawner(spawner))
		if err != nil {
			return nil, err
		}
		a.runner = r
	}

	a.sched = scheduler.New(scheduler.Config{
		Schedule:   spec,
		RunOnStart: cfg.RunOnStart,
	}, a.runner, a.registry, log.With(logx.String("comp", "scheduler")), a.schedOpts...)

	a.server = server.New(server.Config{Addr: cfg.Addr()}, a.registry, log.With(logx.String("comp", "http")))

	a.pprof = pprof.New(pprof.Config{Addr: cfg.PprofAddr, Token: cfg.PprofToken}, log.With(logx.String("comp", "pprof")))

	if cfg.Path != "" {
		a.watcher = config.NewWatcher(cfg.Path, log.With(logx.String("comp", "config")))
	}
	return a, nil
}

// Addr is the bound HTTP address once started.
func (a *App) Addr() string { return a.server.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the listener and starts serving and probing. A bind failure is
// returned before anything else runs.
func (a *App) Start(ctx context.Context) error {
	if err := a.server.Listen(); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup.Go("http.serve", a.server.Serve)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		_ = a.server.Shutdown(context.Background())
		return fmt.Errorf("start scheduler: %w", err)
	}

	// pprof is optional observability; never fail startup because of it.
	if err := a.pprof.Start(a.sup.Context()); err != nil {
		a.log.Error("pprof disabled", logx.Err(err))
	}

	if a.watcher != nil {
		a.sup.Go0("config.watch", func(c context.Context) { _ = a.watcher.Watch(c) })
	}

	if sent, err := a.notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("started",
		logx.String("addr", a.server.Addr()),
		logx.String("backend", a.cfg.ProbeBackend),
		logx.Bool("runtime_metrics", a.cfg.RuntimeMetrics),
	)
	return nil
}

// Stop shuts down the HTTP server gracefully, then stops the scheduler. An
// in-flight probe is not waited for.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notify(daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			// respect the caller's deadline; never extend it
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("http", 5*time.Second, a.server.Shutdown)
	step("scheduler", 1*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pprof", 1*time.Second, a.pprof.Stop)

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return nil
}
