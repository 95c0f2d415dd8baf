// Package schedule drives the engine's time triggers. A single loop polls
// registrations and fires callbacks on their own goroutines so one job's
// network I/O never blocks another due trigger.
//
// Duplicate-firing policy: a firing for a job id whose previous run is still
// in flight is dropped, not queued. Dropping bounds memory and downstream
// API usage; jobs run on coarse schedules, so the next firing catches up.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Callback is one job execution. Errors are logged at the scheduler
// boundary and never unregister the job.
type Callback func(ctx context.Context) error

// ErrPastTrigger is returned when a one-shot trigger's instant has already
// elapsed at registration time. The registration is skipped, never fired
// immediately.
var ErrPastTrigger = errors.New("trigger time already in the past")

// ErrUnknownJob is returned by RunNow for an unregistered id.
var ErrUnknownJob = errors.New("unknown job")

// ErrJobRunning is returned by RunNow when the job is already in flight.
var ErrJobRunning = errors.New("job already running")

type registration struct {
	id      string
	trigger Trigger
	cb      Callback
	nextAt  time.Time
}

// Scheduler holds the trigger registry and the run loop. Construct once,
// register jobs, then Start. Register may also be called while running (the
// random-reminder job re-registers its one-shot daily).
type Scheduler struct {
	log  *zap.Logger
	tick time.Duration
	now  func() time.Time

	mu       sync.Mutex
	jobs     map[string]*registration
	inflight map[string]bool
	started  bool
	stopped  bool

	wg     sync.WaitGroup
	runCtx context.Context
	cancel context.CancelFunc
}

// Option tweaks scheduler construction; used by tests to shrink the poll
// interval and inject a clock.
type Option func(*Scheduler)

// WithTick overrides the poll interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds an empty scheduler.
func New(log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:      log,
		tick:     time.Second,
		now:      time.Now,
		jobs:     make(map[string]*registration),
		inflight: make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register installs or atomically replaces the trigger for id. At most one
// live registration exists per id; replacing does not interrupt an in-flight
// run of the same id.
func (s *Scheduler) Register(id string, trigger Trigger, cb Callback) error {
	if id == "" || trigger == nil || cb == nil {
		return errors.New("register: id, trigger, and callback are required")
	}
	next, ok := trigger.next(s.now())
	if !ok {
		return fmt.Errorf("register %s: %w", id, ErrPastTrigger)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler stopped")
	}
	s.jobs[id] = &registration{id: id, trigger: trigger, cb: cb, nextAt: next}
	s.log.Info("trigger registered",
		zap.String("job", id),
		zap.Time("next_fire", next))
	return nil
}

// Unregister removes the trigger for id. An in-flight run finishes normally.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.runCtx = ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.fireDue(ctx)
			}
		}
	}()
	s.log.Info("scheduler started", zap.Duration("tick", s.tick))
}

// Stop halts firing and waits up to grace for in-flight runs to finish.
func (s *Scheduler) Stop(grace time.Duration) {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(grace):
		s.log.Warn("scheduler stop grace elapsed with jobs still running")
	}
}

// RunNow force-fires id through the same single-flight guard used by the
// loop; a run already in flight rejects the request. The run is launched on
// the scheduler's own lifetime context, never the caller's, so a force-fire
// survives the admin request that triggered it.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	reg, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownJob, id)
	}
	if s.inflight[id] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrJobRunning, id)
	}
	s.inflight[id] = true
	cb := reg.cb
	ctx := s.runCtx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	s.launch(ctx, id, cb)
	return nil
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	type firing struct {
		id string
		cb Callback
	}
	var due []firing

	s.mu.Lock()
	for id, reg := range s.jobs {
		if reg.nextAt.IsZero() || reg.nextAt.After(now) {
			continue
		}
		// Advance (or expire) the trigger regardless of the drop
		// decision below, so each scheduled instant fires at most once.
		next, ok := reg.trigger.next(now)
		if ok {
			reg.nextAt = next
		} else {
			delete(s.jobs, id)
		}

		if s.inflight[id] {
			s.log.Warn("previous run still in flight, dropping firing",
				zap.String("job", id))
			continue
		}
		s.inflight[id] = true
		due = append(due, firing{id: id, cb: reg.cb})
	}
	s.mu.Unlock()

	for _, f := range due {
		s.launch(ctx, f.id, f.cb)
	}
}

func (s *Scheduler) launch(ctx context.Context, id string, cb Callback) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked",
					zap.String("job", id),
					zap.Any("panic", r))
			}
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
		}()

		start := s.now()
		if err := cb(ctx); err != nil {
			s.log.Error("job failed",
				zap.String("job", id),
				zap.Duration("elapsed", s.now().Sub(start)),
				zap.Error(err))
			return
		}
		s.log.Info("job completed",
			zap.String("job", id),
			zap.Duration("elapsed", s.now().Sub(start)))
	}()
}

// JobStatus is one registry row for the admin surface.
type JobStatus struct {
	ID       string    `json:"id"`
	NextFire time.Time `json:"next_fire"`
	Running  bool      `json:"running"`
}

// Jobs lists the current registrations sorted by id.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for id, reg := range s.jobs {
		out = append(out, JobStatus{ID: id, NextFire: reg.nextAt, Running: s.inflight[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
