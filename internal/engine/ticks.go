package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"signal-engine/internal/scheduler"
)

// Job names.
const (
	JobSweep       = "anomaly-sweep"
	JobBaseline    = "baseline-recompute"
	JobSLA         = "sla-check"
	JobMaintenance = "maintenance"
)

// Schedule sets the tick intervals. A zero interval leaves the job out.
type Schedule struct {
	Sweep        time.Duration
	Baseline     time.Duration
	SLA          time.Duration
	Maintenance  time.Duration
	Align        bool
	StartupDelay time.Duration
}

// Jobs returns the periodic ticks, each guarded by its own advisory lock.
func (e *Engine) Jobs(s Schedule) []scheduler.Job {
	var jobs []scheduler.Job
	add := func(name string, interval time.Duration, offset int64, tick scheduler.TickFunc) {
		if interval <= 0 {
			return
		}
		jobs = append(jobs, scheduler.Job{
			Name:         name,
			Interval:     interval,
			AlignToStart: s.Align,
			StartupDelay: s.StartupDelay,
			Tick:         e.guarded(name, offset, tick),
		})
	}
	add(JobSweep, s.Sweep, 0, e.Sweep)
	add(JobBaseline, s.Baseline, 1, e.RecomputeBaselines)
	add(JobSLA, s.SLA, 2, e.CheckSLAs)
	add(JobMaintenance, s.Maintenance, 3, e.Maintain)
	return jobs
}

// Run starts the worker pool and the scheduler, and drains the queue once ctx is done.
func (e *Engine) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	e.startWorkers(ctx)
	defer e.stopWorkers()

	if sched == nil {
		<-ctx.Done()
		return nil
	}
	err := sched.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) guarded(name string, offset int64, tick scheduler.TickFunc) scheduler.TickFunc {
	return func(ctx context.Context, bucket time.Time) error {
		unlock, proceed, err := e.acquireLock(ctx, offset)
		if err != nil {
			return err
		}
		if !proceed {
			e.logger.Debug().Str("job", name).Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
			return nil
		}
		if unlock != nil {
			defer unlock()
		}
		return tick(ctx, bucket)
	}
}

func (e *Engine) acquireLock(ctx context.Context, offset int64) (func(), bool, error) {
	if e.opts.LockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.opts.LockKey+offset)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// Sweep re-evaluates every known account so time-based conditions (inactivity, stale
// scores, zone checks) fire without new input.
func (e *Engine) Sweep(ctx context.Context, _ time.Time) error {
	accounts, err := e.signals.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(e.opts.SweepConcurrency)
	failed := 0
	errs := make([]error, len(accounts))
	for i, acct := range accounts {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			errs[i] = e.EvaluateAccount(ctx, acct)
			return nil
		})
	}
	_ = g.Wait()
	for i, err := range errs {
		if err != nil {
			failed++
			e.logger.Error().Err(err).Str("account_id", accounts[i]).Msg("sweep evaluation failed")
		}
	}
	e.logger.Info().Int("accounts", len(accounts)).Int("failed", failed).Msg("anomaly sweep finished")
	return ctx.Err()
}

// RecomputeBaselines rebuilds the baseline of every (account, metric) pair as of now.
func (e *Engine) RecomputeBaselines(ctx context.Context, _ time.Time) error {
	accounts, err := e.signals.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	now := e.now()
	var g errgroup.Group
	g.SetLimit(e.opts.SweepConcurrency)
	for _, acct := range accounts {
		g.Go(func() error {
			keys, err := e.signals.Metrics(ctx, acct)
			if err != nil {
				return fmt.Errorf("list metrics for %s: %w", acct, err)
			}
			unlock := e.locks.Lock(acct)
			defer unlock()
			for _, key := range keys {
				if _, err := e.evaluator.Recompute(ctx, acct, key, now); err != nil {
					e.logger.Warn().Err(err).Str("account_id", acct).Str("metric", key).Msg("baseline recompute failed")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info().Int("accounts", len(accounts)).Msg("baselines recomputed")
	return nil
}

// CheckSLAs times out approvals and escalates overdue runs.
func (e *Engine) CheckSLAs(ctx context.Context, _ time.Time) error {
	runs, err := e.orchestrator.ActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	var errs []error
	for _, run := range runs {
		unlock := e.locks.Lock(run.AccountID)
		_, err := e.orchestrator.CheckDeadlines(ctx, run.ID)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Maintain prunes inputs past retention and expired audit entries.
func (e *Engine) Maintain(ctx context.Context, _ time.Time) error {
	pruned, err := e.signals.PruneBefore(ctx, e.now().Add(-e.opts.Retention))
	if err != nil {
		return fmt.Errorf("prune signals: %w", err)
	}
	dropped := e.audit.Prune()
	e.logger.Info().Int64("signals_pruned", pruned).Int("audit_pruned", dropped).Msg("maintenance finished")
	return nil
}
