// Package engine wires the signal pipeline together: ingestion, per-account
// serialised evaluation on a sharded worker pool, scheduled sweeps and the operator
// surface (alert lifecycle, approvals and queries).
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"signal-engine/internal/alerts"
	"signal-engine/internal/audit"
	"signal-engine/internal/baseline"
	"signal-engine/internal/definitions"
	"signal-engine/internal/lockmap"
	"signal-engine/internal/metrics"
	"signal-engine/internal/rules"
	"signal-engine/internal/scoring"
	"signal-engine/internal/signal"
	"signal-engine/internal/workflow"
)

// ErrStopped is returned by Submit calls after shutdown.
var ErrStopped = errors.New("engine: stopped")

// AdvisoryLocker keeps scheduled ticks singleton across replicas.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Options sizes the engine.
type Options struct {
	Workers          int
	QueueSize        int
	SweepConcurrency int
	// ScoreTypes restricts which score types are computed; empty means all.
	ScoreTypes []string
	Retention  time.Duration
	LockKey    int64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = 4
	}
	if o.Retention <= 0 {
		o.Retention = 90 * 24 * time.Hour
	}
	return o
}

// Components are the collaborators the engine drives.
type Components struct {
	Signals      signal.Store
	Evaluator    *baseline.Evaluator
	Scorer       *scoring.Scorer
	Rules        *rules.Engine
	Alerts       *alerts.Registry
	Orchestrator *workflow.Orchestrator
	Catalog      *definitions.Catalog
	Audit        *audit.Log
	Locker       AdvisoryLocker
	Clock        clockwork.Clock
}

type item struct {
	accountID string
	cause     string
	at        time.Time
	// sample is evaluated as submitted; nil re-evaluates the account's latest state.
	sample *signal.MetricSample
}

// Engine is the runtime. Submit calls are safe for concurrent use. Until Run starts the
// worker pool, submitted signals are evaluated inline on the caller's goroutine.
type Engine struct {
	signals      signal.Store
	evaluator    *baseline.Evaluator
	scorer       *scoring.Scorer
	rules        *rules.Engine
	registry     *alerts.Registry
	orchestrator *workflow.Orchestrator
	catalog      *definitions.Catalog
	audit        *audit.Log
	locker       AdvisoryLocker
	clock        clockwork.Clock
	logger       zerolog.Logger
	opts         Options

	locks lockmap.Map

	marksMu sync.Mutex
	marks   map[string]time.Time

	mu      sync.RWMutex
	shards  []chan item
	running atomic.Bool
	stopped atomic.Bool
	workers sync.WaitGroup
	depth   atomic.Int64
}

// New wires an Engine.
func New(c Components, opts Options, logger zerolog.Logger) *Engine {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		signals:      c.Signals,
		evaluator:    c.Evaluator,
		scorer:       c.Scorer,
		rules:        c.Rules,
		registry:     c.Alerts,
		orchestrator: c.Orchestrator,
		catalog:      c.Catalog,
		audit:        c.Audit,
		locker:       c.Locker,
		clock:        clock,
		logger:       logger.With().Str("component", "engine").Logger(),
		opts:         opts.withDefaults(),
		marks:        make(map[string]time.Time),
	}
}

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// SubmitMetricSample stores a sample and schedules evaluation of its account.
// Duplicates are acknowledged with inserted=false and cause no re-evaluation.
func (e *Engine) SubmitMetricSample(ctx context.Context, sample signal.MetricSample) (bool, error) {
	if e.stopped.Load() {
		return false, ErrStopped
	}
	sample = sample.Normalize()
	if err := sample.Validate(); err != nil {
		metrics.IngestTotal.WithLabelValues("sample", "rejected").Inc()
		return false, err
	}
	inserted, err := e.signals.AppendSample(ctx, sample)
	if err != nil {
		return false, fmt.Errorf("append sample: %w", err)
	}
	if !inserted {
		metrics.IngestTotal.WithLabelValues("sample", "duplicate").Inc()
		return false, nil
	}
	metrics.IngestTotal.WithLabelValues("sample", "accepted").Inc()
	e.dispatch(ctx, item{accountID: sample.AccountID, cause: "sample:" + sample.MetricKey, at: sample.Timestamp, sample: &sample})
	return true, nil
}

// SubmitEvent stores an event and schedules evaluation of its account. account.profile
// events update the account segment first.
func (e *Engine) SubmitEvent(ctx context.Context, event signal.Event) (bool, error) {
	if e.stopped.Load() {
		return false, ErrStopped
	}
	event = event.Normalize()
	if err := event.Validate(); err != nil {
		metrics.IngestTotal.WithLabelValues("event", "rejected").Inc()
		return false, err
	}
	inserted, err := e.signals.AppendEvent(ctx, event)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	if !inserted {
		metrics.IngestTotal.WithLabelValues("event", "duplicate").Inc()
		return false, nil
	}
	metrics.IngestTotal.WithLabelValues("event", "accepted").Inc()

	if event.Type == signal.EventAccountProfile {
		if segment, ok := event.PayloadString("segment"); ok {
			if err := e.signals.SetSegment(ctx, event.AccountID, segment); err != nil {
				return true, fmt.Errorf("set segment: %w", err)
			}
		}
	}
	e.dispatch(ctx, item{accountID: event.AccountID, cause: "event:" + event.Type, at: event.Timestamp})
	return true, nil
}

// dispatch hands an account to its shard. A full shard leaves the work to the next sweep.
func (e *Engine) dispatch(ctx context.Context, it item) {
	if !e.running.Load() {
		e.process(ctx, it)
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.shards) == 0 {
		return
	}
	shard := e.shards[shardFor(it.accountID, len(e.shards))]
	select {
	case shard <- it:
		metrics.QueueDepth.Set(float64(e.depth.Add(1)))
	default:
		metrics.QueueDeferred.Inc()
		e.logger.Warn().Str("account_id", it.accountID).Msg("event queue full; deferring to sweep")
	}
}

func shardFor(accountID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(n))
}

// startWorkers launches one goroutine per shard so each account is processed in order.
func (e *Engine) startWorkers(ctx context.Context) {
	e.mu.Lock()
	e.shards = make([]chan item, e.opts.Workers)
	for i := range e.shards {
		e.shards[i] = make(chan item, max(1, e.opts.QueueSize/e.opts.Workers))
	}
	e.mu.Unlock()

	for i, ch := range e.shards {
		e.workers.Add(1)
		go e.worker(ctx, i, ch)
	}
	e.running.Store(true)
	e.logger.Info().Int("workers", e.opts.Workers).Int("queue_size", e.opts.QueueSize).Msg("worker pool started")
}

// stopWorkers closes the shards and waits for queued work to drain.
func (e *Engine) stopWorkers() {
	e.stopped.Store(true)
	e.running.Store(false)
	e.mu.Lock()
	for _, ch := range e.shards {
		close(ch)
	}
	e.shards = nil
	e.mu.Unlock()
	e.workers.Wait()
	e.logger.Info().Msg("worker pool stopped")
}

func (e *Engine) worker(ctx context.Context, id int, ch <-chan item) {
	defer e.workers.Done()
	log := e.logger.With().Int("worker_id", id).Logger()
	for it := range ch {
		batch := drain(ch, []item{it})
		// work queued together is evaluated in signal time order
		slices.SortStableFunc(batch, func(a, b item) int { return a.at.Compare(b.at) })
		for _, it := range batch {
			metrics.QueueDepth.Set(float64(e.depth.Add(-1)))
			e.safeProcess(ctx, log, it)
		}
	}
}

// drain appends whatever is already buffered on ch without blocking.
func drain(ch <-chan item, batch []item) []item {
	for {
		select {
		case it, ok := <-ch:
			if !ok {
				return batch
			}
			batch = append(batch, it)
		default:
			return batch
		}
	}
}

func (e *Engine) safeProcess(ctx context.Context, log zerolog.Logger, it item) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("account_id", it.accountID).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()
	// queued work outlives the request that produced it
	e.process(context.WithoutCancel(ctx), it)
}

func (e *Engine) process(ctx context.Context, it item) {
	var err error
	if it.sample != nil {
		err = e.EvaluateSample(ctx, *it.sample)
	} else {
		err = e.EvaluateAccount(ctx, it.accountID)
	}
	if err != nil {
		e.logger.Error().Err(err).Str("account_id", it.accountID).Str("cause", it.cause).Msg("account evaluation failed")
	}
}
