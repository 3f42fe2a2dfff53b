package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/timectrl"
)

// DefaultInterval is how often the runner polls its source.
const DefaultInterval = 5 * time.Minute

// StatusPublisher receives a status snapshot after every run.
type StatusPublisher interface {
	SystemStatus(ctx context.Context, status any)
}

// Status describes the runner for the control surface.
type Status struct {
	Running      bool      `json:"running"`
	Source       string    `json:"source"`
	Interval     string    `json:"interval"`
	Runs         uint64    `json:"runs"`
	LastRun      time.Time `json:"lastRun,omitempty"`
	NextRun      time.Time `json:"nextRun,omitempty"`
	LastFetched  int       `json:"lastFetched"`
	LastInserted int       `json:"lastInserted"`
	LastRetired  int       `json:"lastRetired"`
	LastError    string    `json:"lastError,omitempty"`
}

// RunReport summarises one poll.
type RunReport struct {
	Fetched  int
	Inserted []string
	Retired  []string
	Err      error
}

// Runner periodically fetches from a Source, merges the batch, and retires
// ingest-owned tracks whose impact time has passed.
type Runner struct {
	source Source
	merger *Merger
	driver *timectrl.Driver
	status StatusPublisher
	log    logging.Logger
	clock  timectrl.SimClock

	mu   sync.Mutex
	last RunReport
	ran  time.Time
}

// RunnerOption customises a Runner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	interval time.Duration
	clock    timectrl.SimClock
	log      logging.Logger
	status   StatusPublisher
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) RunnerOption {
	return func(o *runnerOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithRunnerClock sets the clock that stamps runs and drives retirement.
func WithRunnerClock(c timectrl.SimClock) RunnerOption {
	return func(o *runnerOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithRunnerLogger attaches a structured logger.
func WithRunnerLogger(log logging.Logger) RunnerOption {
	return func(o *runnerOptions) {
		if log != nil {
			o.log = log
		}
	}
}

// WithStatusPublisher publishes a Status snapshot after each run.
func WithStatusPublisher(p StatusPublisher) RunnerOption {
	return func(o *runnerOptions) { o.status = p }
}

// NewRunner returns a stopped runner. source may be nil, in which case each
// run only retires expired tracks.
func NewRunner(source Source, merger *Merger, opts ...RunnerOption) *Runner {
	o := runnerOptions{
		interval: DefaultInterval,
		clock:    timectrl.WallClock{},
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	r := &Runner{
		source: source,
		merger: merger,
		status: o.status,
		log:    o.log,
		clock:  o.clock,
	}
	r.driver = timectrl.NewDriver("ingest", o.interval, r.tick, timectrl.WithClock(o.clock))
	return r
}

// Start begins polling; the first poll runs immediately.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.driver.Start(ctx); err != nil {
		return err
	}
	r.log.Info(ctx, "ingest runner started",
		logging.String("source", r.sourceName()),
		logging.Duration("interval", r.driver.Period()),
	)
	return nil
}

// Stop halts polling and waits for an in-flight run.
func (r *Runner) Stop() {
	if !r.driver.Running() {
		return
	}
	r.driver.Stop()
	r.log.Info(context.Background(), "ingest runner stopped")
}

// Running reports whether the runner is polling.
func (r *Runner) Running() bool { return r.driver.Running() }

func (r *Runner) tick(ctx context.Context, now time.Time) { r.RunOnce(ctx, now) }

// RunOnce performs a single fetch, merge, and retire cycle at now. A fetch
// error is recorded and logged; retirement still happens.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) RunReport {
	var report RunReport
	if r.source != nil {
		events, err := r.source.Fetch(ctx)
		if err != nil {
			report.Err = err
			r.log.Warn(ctx, "ingest fetch failed",
				logging.String("source", r.source.Name()),
				logging.Err(err),
			)
		} else {
			report.Fetched = len(events)
			for _, t := range r.merger.Merge(ctx, events) {
				report.Inserted = append(report.Inserted, t.ID)
			}
		}
	}
	report.Retired = r.merger.Retire(ctx, now)

	r.mu.Lock()
	r.last = report
	r.ran = now
	r.mu.Unlock()

	r.log.Debug(ctx, "ingest run complete",
		logging.Int("fetched", report.Fetched),
		logging.Int("inserted", len(report.Inserted)),
		logging.Int("retired", len(report.Retired)),
	)
	if r.status != nil {
		r.status.SystemStatus(ctx, map[string]any{
			"component": "ingest",
			"ingest":    r.Status(),
		})
	}
	return report
}

// Status returns a snapshot for the control surface.
func (r *Runner) Status() Status {
	r.mu.Lock()
	last, ran := r.last, r.ran
	r.mu.Unlock()

	s := Status{
		Running:      r.driver.Running(),
		Source:       r.sourceName(),
		Interval:     r.driver.Period().String(),
		Runs:         r.driver.Runs(),
		LastRun:      ran,
		LastFetched:  last.Fetched,
		LastInserted: len(last.Inserted),
		LastRetired:  len(last.Retired),
	}
	if last.Err != nil {
		s.LastError = last.Err.Error()
	}
	if s.Running && !ran.IsZero() {
		s.NextRun = ran.Add(r.driver.Period())
	}
	return s
}

func (r *Runner) sourceName() string {
	if r.source == nil {
		return "none"
	}
	return r.source.Name()
}
