package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"speedtest-exporter/internal/probe"
	"speedtest-exporter/internal/runtime/supervisor"
	logx "speedtest-exporter/pkg/logx"
)

func New(cfg Config, runner probe.Runner, sink Sink, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		runner: runner,
		sink:   sink,
		parser: cronParser,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers the schedule, starts the cron trigger, the cycle loop and
// the probe worker. A stopped Service may be started again.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if s.runner == nil || s.sink == nil {
		return errors.New("scheduler: runner and sink are required")
	}

	spec := s.cfg.Schedule.CronSpec()
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q: %w", spec, err)
	}

	ticks := make(chan string, 1)
	jobs := make(chan probeJob)
	s.ticks = ticks

	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go0("probe.worker", func(c context.Context) { s.worker(c, jobs) })
	s.sup.Go0("probe.cycle", func(c context.Context) { s.loop(c, ticks, jobs) })

	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(time.Local))
	s.c.Schedule(sched, cron.FuncJob(func() { s.enqueue(ticks, "schedule") }))
	s.c.Start()

	next := sched.Next(time.Now())
	s.log.Info("scheduler started",
		logx.String("schedule", spec),
		logx.Time("next", next),
		logx.Bool("run_on_start", s.cfg.RunOnStart),
	)

	if s.cfg.RunOnStart {
		s.enqueue(ticks, "startup")
	}
	return nil
}

// Stop stops triggering. A probe that is still running is abandoned: Stop
// returns once ctx expires even if the probe worker has not exited, and a
// later Start does not wait for it.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	sup := s.sup
	s.c = nil
	s.sup = nil
	s.ticks = nil
	s.mu.Unlock()

	defer s.busy.Store(false)

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("in-flight probe abandoned", logx.Duration("took", time.Since(start)))
			return
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Trigger requests a cycle outside the schedule. It reports false when the
// scheduler is not running or a cycle is already pending or running.
func (s *Service) Trigger() bool {
	s.mu.Lock()
	ticks := s.ticks
	s.mu.Unlock()
	if ticks == nil {
		return false
	}
	return s.enqueue(ticks, "manual")
}

func (s *Service) Stats() Stats {
	st := Stats{
		Cycles:  s.cycles.Load(),
		Skipped: s.skipped.Load(),
		Busy:    s.busy.Load(),
	}
	s.mu.Lock()
	if s.c != nil {
		if entries := s.c.Entries(); len(entries) > 0 {
			st.Next = entries[0].Next
		}
	}
	s.mu.Unlock()
	return st
}

func (s *Service) enqueue(ticks chan<- string, reason string) bool {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("probe still running; tick skipped", logx.String("trigger", reason))
		return false
	}
	// busy guarantees the slot is free.
	select {
	case ticks <- reason:
		return true
	default:
		s.busy.Store(false)
		return false
	}
}

// loop turns ticks into probe jobs, waits for the worker's reply and applies it.
func (s *Service) loop(ctx context.Context, ticks <-chan string, jobs chan<- probeJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-ticks:
			out, ok := s.dispatch(ctx, jobs, reason)
			if !ok {
				return
			}
			out = s.handle(out)
			s.busy.Store(false)
			if s.observer != nil {
				s.observer(out)
			}
		}
	}
}

// dispatch hands the blocking probe to the worker goroutine and waits for its reply.
func (s *Service) dispatch(ctx context.Context, jobs chan<- probeJob, reason string) (Outcome, bool) {
	job := probeJob{trigger: reason, reply: make(chan Outcome, 1)}
	select {
	case jobs <- job:
	case <-ctx.Done():
		return Outcome{}, false
	}
	select {
	case out := <-job.reply:
		return out, true
	case <-ctx.Done():
		return Outcome{}, false
	}
}

// worker runs probes one at a time, off the cycle loop.
func (s *Service) worker(ctx context.Context, jobs <-chan probeJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			job.reply <- s.run(ctx, job.trigger)
		}
	}
}

// run performs one probe. A panicking runner fails this cycle only.
func (s *Service) run(ctx context.Context, trigger string) (out Outcome) {
	started := time.Now()
	s.log.Debug("probe started", logx.String("trigger", trigger))
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("probe panicked", logx.String("trigger", trigger), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out = Outcome{
				Trigger: trigger,
				Started: started,
				Took:    time.Since(started),
				Err:     &probe.ProcessError{ExitCode: -1, Err: fmt.Errorf("panic: %v", r)},
			}
		}
	}()
	res, err := s.runner.Run(ctx)
	return Outcome{
		Trigger: trigger,
		Started: started,
		Took:    time.Since(started),
		Result:  res,
		Err:     err,
	}
}

func (s *Service) handle(out Outcome) Outcome {
	s.cycles.Add(1)
	switch {
	case out.Err != nil:
		s.log.Error("speedtest failed",
			logx.String("kind", probe.Kind(out.Err)),
			logx.String("trigger", out.Trigger),
			logx.Duration("took", out.Took),
			logx.Err(out.Err),
		)
	case out.Result == nil:
		out.Err = errors.New("probe returned no result")
		s.log.Error("speedtest failed", logx.String("trigger", out.Trigger), logx.Err(out.Err))
	default:
		s.sink.Apply(out.Result)
		res := out.Result
		s.log.Info("speedtest completed",
			logx.String("trigger", out.Trigger),
			logx.String("server", res.Server.Name),
			logx.Uint64("server_id", res.Server.ID),
			logx.String("isp", res.ISP),
			logx.Float64("ping_ms", res.Ping.Latency),
			logx.Int64("download_bps", res.Download.Bandwidth),
			logx.Int64("upload_bps", res.Upload.Bandwidth),
			logx.Duration("took", out.Took),
		)
	}
	return out
}
