package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"signal-engine/internal/engine"
	"signal-engine/internal/scheduler"
)

// Backfill runs the named periodic jobs once against stored history, in order. With no
// names it recomputes baselines and then sweeps every account, which is what a fresh
// import of historical samples needs.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	jobs := opts.Jobs
	if len(jobs) == 0 {
		jobs = []string{engine.JobBaseline, engine.JobSweep}
	}

	rt, err := a.build(ctx, buildOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()
	if rt.Store == nil {
		return errors.New("database.dsn 未配置，无法回填")
	}

	sched, err := scheduler.New(clockwork.NewRealClock(), a.Logger, rt.Engine.Jobs(a.schedule())...)
	if err != nil {
		return err
	}

	failed := 0
	for _, name := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sched.RunOnce(ctx, name); err != nil {
			failed++
			a.Logger.Error().Err(err).Str("job", name).Msg("回填失败")
			continue
		}
		a.Logger.Info().Str("job", name).Msg("job finished")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed, see log", failed, len(jobs))
	}
	return nil
}
