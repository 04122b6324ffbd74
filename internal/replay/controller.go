// Package replay drives recorded market data through the system on a
// controlled clock.
//
// A Controller merges one or more time-sorted sources into a single
// timestamp-ordered record stream and hands each record to an injected
// dispatch function. Four modes govern pacing:
//
//   - BACKTEST dispatches as fast as possible.
//   - REALTIME sleeps the record-timestamp interval between dispatches.
//   - ACCELERATED divides those intervals by a speed factor.
//   - STEPPED advances one record per Step call, no goroutine involved.
//
// Pause and stop are observed at record boundaries, so a record is never
// half-processed and none is skipped or duplicated across pause/resume.
//
// Lifecycle: New() → Start() → [Pause()/Resume()/Step()] → Stop(), or run to
// completion. Reset() re-arms the sources for another pass.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Mode selects the pacing policy.
type Mode string

const (
	ModeBacktest    Mode = "BACKTEST"
	ModeRealtime    Mode = "REALTIME"
	ModeAccelerated Mode = "ACCELERATED"
	ModeStepped     Mode = "STEPPED"
)

// Status is the controller lifecycle state.
type Status string

const (
	StatusInitialized Status = "INITIALIZED"
	StatusRunning     Status = "RUNNING"
	StatusPaused      Status = "PAUSED"
	StatusStopped     Status = "STOPPED"
	StatusCompleted   Status = "COMPLETED"
)

// Terminal reports whether the status is final for the current pass.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// DispatchFunc receives each record in merge order.
type DispatchFunc func(Record)

// Config carries the pacing settings.
type Config struct {
	Mode Mode

	// SpeedFactor divides inter-record intervals in ACCELERATED mode.
	// Values above 1 replay faster than recorded, below 1 slower.
	SpeedFactor float64
}

type sourceHead struct {
	rec Record
	ok  bool
}

// Controller replays records from its sources through the dispatch function.
type Controller struct {
	cfg      Config
	sources  []Source
	dispatch DispatchFunc
	logger   *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	status Status
	heads  []sourceHead

	stopCh  chan struct{}
	runDone chan struct{}
	started bool

	processed atomic.Uint64
}

// New builds a controller over the given sources. Source order fixes the
// tie-break for records with equal timestamps.
func New(cfg Config, sources []Source, dispatch DispatchFunc, logger *slog.Logger) (*Controller, error) {
	switch cfg.Mode {
	case ModeBacktest, ModeRealtime, ModeAccelerated, ModeStepped:
	default:
		return nil, fmt.Errorf("replay: unknown mode %q", cfg.Mode)
	}
	if cfg.SpeedFactor <= 0 {
		cfg.SpeedFactor = 1.0
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("replay: no sources")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("replay: nil dispatch")
	}

	c := &Controller{
		cfg:      cfg,
		sources:  sources,
		dispatch: dispatch,
		logger:   logger.With("component", "replay"),
		status:   StatusInitialized,
		stopCh:   make(chan struct{}),
		runDone:  make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// Start begins the pass. In STEPPED mode it only arms the controller and
// records advance through Step; other modes run on their own goroutine.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.status != StatusInitialized {
		c.mu.Unlock()
		return fmt.Errorf("replay: start from status %s", c.status)
	}
	c.primeLocked()
	c.status = StatusRunning
	stepped := c.cfg.Mode == ModeStepped
	if !stepped {
		c.started = true
	}
	c.mu.Unlock()

	c.logger.Info("replay started",
		"mode", c.cfg.Mode, "sources", len(c.sources), "speed", c.cfg.SpeedFactor)
	if !stepped {
		go c.run()
	}
	return nil
}

// Pause halts dispatch after the in-flight record, if any. No-op unless
// running.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return
	}
	c.status = StatusPaused
	c.logger.Info("replay paused", "processed", c.processed.Load())
}

// Resume continues a paused pass.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusPaused {
		return
	}
	c.status = StatusRunning
	c.cond.Broadcast()
}

// Stop ends the pass, interrupting any inter-record sleep, and waits for the
// run goroutine to exit. Stopping a terminal controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	wait := c.started
	switch c.status {
	case StatusInitialized, StatusRunning, StatusPaused:
		c.status = StatusStopped
		close(c.stopCh)
		c.cond.Broadcast()
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if wait {
		<-c.runDone
	}
	c.logger.Info("replay stopped", "processed", c.processed.Load())
}

// Step dispatches the next record in STEPPED mode. It returns false once the
// sources are exhausted, which also completes the pass, and false when the
// controller is not running.
func (c *Controller) Step() (Record, bool) {
	c.mu.Lock()
	if c.cfg.Mode != ModeStepped || c.status != StatusRunning {
		c.mu.Unlock()
		return Record{}, false
	}
	rec, ok := c.nextLocked()
	if !ok {
		c.status = StatusCompleted
		c.cond.Broadcast()
		c.mu.Unlock()
		c.logger.Info("replay completed", "records", c.processed.Load())
		return Record{}, false
	}
	c.mu.Unlock()

	c.processed.Add(1)
	c.dispatch(rec)
	return rec, true
}

// Reset re-arms every source and returns the controller to INITIALIZED.
// Only legal once the pass is terminal or was never started.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRunning || c.status == StatusPaused {
		return fmt.Errorf("replay: reset while %s", c.status)
	}
	for _, src := range c.sources {
		src.Reset()
	}
	c.heads = nil
	c.processed.Store(0)
	c.status = StatusInitialized
	c.stopCh = make(chan struct{})
	c.runDone = make(chan struct{})
	c.started = false
	return nil
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Processed returns the number of records dispatched this pass.
func (c *Controller) Processed() uint64 {
	return c.processed.Load()
}

// Wait blocks until the pass reaches a terminal status or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.status.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
	return nil
}

func (c *Controller) run() {
	defer close(c.runDone)
	var last time.Time
	for {
		c.mu.Lock()
		for c.status == StatusPaused {
			c.cond.Wait()
		}
		if c.status != StatusRunning {
			c.mu.Unlock()
			return
		}
		rec, ok := c.nextLocked()
		if !ok {
			c.status = StatusCompleted
			c.cond.Broadcast()
			c.mu.Unlock()
			c.logger.Info("replay completed", "records", c.processed.Load())
			return
		}
		c.mu.Unlock()

		if delay := c.interRecordDelay(last, rec.Time); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-c.stopCh:
				timer.Stop()
				return
			}
		}
		last = rec.Time
		c.processed.Add(1)
		c.dispatch(rec)
	}
}

// interRecordDelay converts the recorded gap between two records into the
// wall-clock sleep the mode asks for.
func (c *Controller) interRecordDelay(prev, next time.Time) time.Duration {
	switch c.cfg.Mode {
	case ModeRealtime, ModeAccelerated:
	default:
		return 0
	}
	if prev.IsZero() || !next.After(prev) {
		return 0
	}
	gap := next.Sub(prev)
	if c.cfg.Mode == ModeAccelerated {
		gap = time.Duration(float64(gap) / c.cfg.SpeedFactor)
	}
	return gap
}

// primeLocked pulls the first record from every source.
func (c *Controller) primeLocked() {
	c.heads = make([]sourceHead, len(c.sources))
	for i, src := range c.sources {
		c.heads[i].rec, c.heads[i].ok = src.Next()
	}
}

// nextLocked pops the earliest head record, breaking timestamp ties by
// source registration order, and refills that head.
func (c *Controller) nextLocked() (Record, bool) {
	best := -1
	for i := range c.heads {
		if !c.heads[i].ok {
			continue
		}
		if best < 0 || c.heads[i].rec.Time.Before(c.heads[best].rec.Time) {
			best = i
		}
	}
	if best < 0 {
		return Record{}, false
	}
	rec := c.heads[best].rec
	c.heads[best].rec, c.heads[best].ok = c.sources[best].Next()
	return rec, true
}
