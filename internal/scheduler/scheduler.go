package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"signal-engine/internal/metrics"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Job is one named periodic tick.
type Job struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	Tick         TickFunc
}

// Scheduler drives aligned execution of a set of jobs, each on its own loop.
type Scheduler struct {
	jobs   []Job
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(clock clockwork.Clock, logger zerolog.Logger, jobs ...Job) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	seen := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if j.Name == "" || j.Tick == nil {
			return nil, errors.New("scheduler job needs a name and a tick func")
		}
		if j.Interval <= 0 {
			return nil, fmt.Errorf("scheduler job %s: interval must be positive", j.Name)
		}
		if _, dup := seen[j.Name]; dup {
			return nil, fmt.Errorf("scheduler job %s registered twice", j.Name)
		}
		seen[j.Name] = struct{}{}
	}
	return &Scheduler{jobs: jobs, clock: clock, logger: logger.With().Str("component", "scheduler").Logger()}, nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Run blocks until ctx is cancelled. Tick errors are logged and never stop a loop.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error { return s.loop(ctx, j) })
	}
	return g.Wait()
}

// RunOnce executes the named job immediately.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.execute(ctx, j, s.clock.Now().UTC())
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) loop(ctx context.Context, j Job) error {
	logger := s.logger.With().Str("job", j.Name).Logger()
	if j.StartupDelay > 0 {
		timer := s.clock.NewTimer(j.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}

	next := nextTick(j, s.clock.Now().UTC())
	for {
		delay := next.Sub(s.clock.Now())
		if delay < 0 {
			next = nextTick(j, s.clock.Now().UTC())
			delay = next.Sub(s.clock.Now())
		}

		timer := s.clock.NewTimer(delay)
		logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
			timer.Stop()
		}

		bucket := bucketStart(j, next)
		if err := s.execute(ctx, j, bucket); err != nil {
			logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}
		next = next.Add(j.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, j Job, bucket time.Time) error {
	start := s.clock.Now()
	s.logger.Debug().Str("job", j.Name).Time("bucket", bucket).Msg("executing scheduled tick")
	err := j.Tick(ctx, bucket)
	metrics.TickDuration.WithLabelValues(j.Name).Observe(s.clock.Since(start).Seconds())
	if err != nil {
		metrics.TickFailures.WithLabelValues(j.Name).Inc()
	}
	return err
}

func nextTick(j Job, now time.Time) time.Time {
	if !j.AlignToStart {
		return now.Add(j.Interval)
	}
	bucket := now.Truncate(j.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(j.Interval)
	}
	return bucket
}

func bucketStart(j Job, t time.Time) time.Time {
	if !j.AlignToStart {
		return t
	}
	return t.Truncate(j.Interval)
}
