package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"speedtest-exporter/internal/probe"
	"speedtest-exporter/internal/runtime/supervisor"
	logx "speedtest-exporter/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	// Schedule decides when probe cycles are triggered.
	Schedule ParsedSpec
	// RunOnStart triggers one cycle as soon as the scheduler starts.
	RunOnStart bool
}

// Sink receives successful results. *metrics.Registry implements it.
type Sink interface {
	Apply(res *probe.Result)
}

// Outcome is the result of one probe cycle.
type Outcome struct {
	Trigger string // "startup" | "schedule" | "manual"
	Started time.Time
	Took    time.Duration
	Result  *probe.Result
	Err     error
}

// Option customizes a Service.
type Option func(*Service)

// WithObserver registers fn to be called after each cycle has been applied,
// once the scheduler accepts the next tick again.
func WithObserver(fn func(Outcome)) Option { return func(s *Service) { s.observer = fn } }

type probeJob struct {
	trigger string
	reply   chan Outcome
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	runner probe.Runner
	sink   Sink

	parser cron.Parser
	c      *cron.Cron
	sup    *supervisor.Supervisor

	// ticks is replaced on every Start so a stopped loop cannot consume
	// ticks meant for the next one.
	ticks chan string

	// busy is set from the moment a tick is accepted until its outcome has
	// been applied; ticks arriving meanwhile are skipped.
	busy     atomic.Bool
	skipped  atomic.Uint64
	cycles   atomic.Uint64
	observer func(Outcome)
}

// Stats is a point-in-time view of scheduler counters.
type Stats struct {
	Cycles  uint64
	Skipped uint64
	Busy    bool
	Next    time.Time
}
