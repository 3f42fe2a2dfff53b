package timectrl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// SimClock is an interface for accessing simulation time. Engines depend on
// it rather than on time.Now so tests can pin "now".
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// WallClock reads the system clock.
type WallClock struct{}

// Now implements SimClock.
func (WallClock) Now() time.Time { return time.Now() }

// ManualClock is a SimClock that only moves when told to.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock returns a clock pinned at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements SimClock.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// ErrAlreadyRunning is returned by Start when the driver is active.
var ErrAlreadyRunning = errors.New("driver already running")

// TickFunc is the work a Driver runs once per period.
type TickFunc func(ctx context.Context, now time.Time)

// Driver runs a TickFunc on a fixed period. Runs never overlap: when a run
// takes longer than the period, the ticks that came due meanwhile are
// skipped rather than queued, so a slow run never causes a catch-up burst.
type Driver struct {
	name   string
	period time.Duration
	clock  SimClock
	fn     TickFunc

	// listeners are invoked after every completed run.
	listeners []func(time.Time)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun time.Time

	runs    atomic.Uint64
	skipped atomic.Uint64
	onSkip  func()
}

// DriverOption customises a Driver.
type DriverOption func(*Driver)

// WithClock overrides the clock used to stamp each run.
func WithClock(c SimClock) DriverOption {
	return func(d *Driver) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithSkipHook registers a callback fired every time a due tick is dropped.
func WithSkipHook(fn func()) DriverOption {
	return func(d *Driver) { d.onSkip = fn }
}

// NewDriver constructs a stopped driver.
func NewDriver(name string, period time.Duration, fn TickFunc, opts ...DriverOption) *Driver {
	d := &Driver{
		name:   name,
		period: period,
		clock:  WallClock{},
		fn:     fn,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Name returns the driver's label.
func (d *Driver) Name() string { return d.name }

// Period returns the tick period.
func (d *Driver) Period() time.Duration { return d.period }

// AddListener registers a callback invoked after every completed run.
// Listeners must be registered before Start.
func (d *Driver) AddListener(fn func(time.Time)) {
	d.listeners = append(d.listeners, fn)
}

// Start launches the periodic loop. The first run happens immediately.
// The loop stops when ctx is cancelled or Stop is called.
func (d *Driver) Start(ctx context.Context) error {
	if d.period <= 0 {
		return errors.New("driver period must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done

	go d.loop(runCtx, done)
	return nil
}

// Stop cancels the loop and waits for an in-flight run to finish. It is a
// no-op on a stopped driver.
func (d *Driver) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// LastRun returns the clock time of the most recent completed run.
func (d *Driver) LastRun() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRun
}

// Runs returns the number of completed runs.
func (d *Driver) Runs() uint64 { return d.runs.Load() }

// Skipped returns the number of ticks dropped because a run was still busy.
func (d *Driver) Skipped() uint64 { return d.skipped.Load() }

func (d *Driver) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	// A cancelled parent ends the loop without Stop; release the slot so
	// Running reports false and Start works again.
	defer func() {
		d.mu.Lock()
		if d.done == done {
			d.cancel()
			d.cancel, d.done = nil, nil
		}
		d.mu.Unlock()
	}()

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	d.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
			// Any tick that fired while we were busy is dropped.
			select {
			case <-ticker.C:
				d.skipped.Add(1)
				if d.onSkip != nil {
					d.onSkip()
				}
			default:
			}
		}
	}
}

func (d *Driver) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := d.clock.Now()
	if d.fn != nil {
		d.fn(ctx, now)
	}
	d.runs.Add(1)

	d.mu.Lock()
	d.lastRun = now
	d.mu.Unlock()

	for _, fn := range d.listeners {
		fn(now)
	}
}
