// Package orchestrator drives the collector × region matrix of an
// inventory run and persists what succeeds.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yairfalse/cartograph/internal/collector"
	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/internal/telemetry"
	"github.com/yairfalse/cartograph/pkg/resource"
	"github.com/yairfalse/cartograph/storage"
)

// ErrNoCollectors is returned when a run has nothing to execute.
var ErrNoCollectors = errors.New("no collectors selected")

// Orchestrator runs inventory collections into a store.
type Orchestrator struct {
	store   storage.Writer
	opts    Options
	logger  *telemetry.Logger
	metrics *Metrics
	tracer  trace.Tracer
	limiter *rate.Limiter
	clock   func() time.Time
}

// NewOrchestrator creates an orchestrator writing into store.
func NewOrchestrator(store storage.Writer, opts Options) (*Orchestrator, error) {
	opts = opts.withDefaults()

	o := &Orchestrator{
		store:   store,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer("cartograph/orchestrator"),
		clock:   time.Now,
	}
	if o.logger == nil {
		o.logger = telemetry.NewLogger("orchestrator")
	}
	if o.metrics == nil {
		m, err := NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		o.metrics = m
	}
	if opts.RequestsPerSecond > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Concurrency)
	}
	return o, nil
}

// outcome is what one task hands back to the run.
type outcome struct {
	task       Task
	attempts   int
	collected  int
	dropped    int
	incomplete int
	err        error
}

// Run executes every collector of src against regions and upserts each
// successful task's resources. The run owns src and closes it on return.
//
// Task failures are contained and reported. Run returns an error only when
// there is nothing to run, the store rejects a write, or ctx is canceled;
// the report is returned in the last two cases too.
func (o *Orchestrator) Run(ctx context.Context, src collector.Source, regions []string) (*Report, error) {
	defer func() {
		if err := src.Close(); err != nil {
			o.logger.Warn().Err(err).Msg("release collector handles")
		}
	}()

	collectors := src.Collectors()
	if len(collectors) == 0 {
		return nil, ErrNoCollectors
	}
	if len(regions) == 0 {
		return nil, fmt.Errorf("no regions requested")
	}

	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: o.clock().UTC(),
		Regions:   regions,
		ByService: make(map[resource.Service]int),
	}
	byService := make(map[resource.Service]collector.Collector, len(collectors))
	var tasks []Task
	for _, c := range collectors {
		report.Services = append(report.Services, c.Service())
		byService[c.Service()] = c
		for _, region := range collector.Regions(c, regions) {
			tasks = append(tasks, Task{Service: c.Service(), Region: region})
		}
	}
	report.Tasks = len(tasks)

	ctx, span := o.tracer.Start(ctx, "inventory.run", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.Int("run.tasks", len(tasks)),
	))
	defer span.End()

	log := o.logger.WithContext(ctx).With().Str("run_id", report.RunID).Logger()
	log.Info().
		Int("collectors", len(collectors)).
		Int("regions", len(regions)).
		Int("tasks", len(tasks)).
		Int("concurrency", o.opts.Concurrency).
		Msg("starting inventory run")

	var (
		mu         sync.Mutex
		dispatched int
	)
	queue := make(chan Task)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for _, t := range tasks {
			if gctx.Err() != nil {
				return nil
			}
			select {
			case queue <- t:
				mu.Lock()
				dispatched++
				mu.Unlock()
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for range min(o.opts.Concurrency, len(tasks)) {
		g.Go(func() error {
			for t := range queue {
				tctx, release := o.taskContext(gctx)
				res := o.runTask(gctx, tctx, report.RunID, report.StartedAt, byService[t.Service], t.Region)
				release()

				mu.Lock()
				o.record(report, res)
				mu.Unlock()

				if fault.Is(res.err, fault.KindStore) {
					return res.err
				}
			}
			return nil
		})
	}

	runErr := g.Wait()
	report.Skipped = report.Tasks - dispatched
	report.FinishedAt = o.clock().UTC()
	report.sortFailures()

	switch {
	case runErr != nil:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "store failure")
		o.metrics.RecordRun(ctx, "failed")
		log.Error().Err(runErr).Msg("inventory run aborted: store unwritable")
		return report, runErr
	case ctx.Err() != nil:
		report.Canceled = true
		o.metrics.RecordRun(ctx, "canceled")
		o.persistReport(context.WithoutCancel(ctx), report)
		log.Warn().Int("skipped", report.Skipped).Msg("inventory run canceled")
		return report, fault.New(fault.KindCanceled, "inventory run", ctx.Err())
	}

	outcomeLabel := "ok"
	if report.Failed() {
		outcomeLabel = "partial"
	}
	o.metrics.RecordRun(ctx, outcomeLabel)
	o.persistReport(ctx, report)

	log.Info().
		Int("resources", report.Resources).
		Int("succeeded", report.Succeeded).
		Int("failed", len(report.Failures)).
		Int("dropped", report.Dropped).
		Int("incomplete", report.Incomplete).
		Dur("duration", report.Duration()).
		Msg("inventory run complete")
	return report, nil
}

func (o *Orchestrator) record(report *Report, res outcome) {
	if res.err != nil {
		report.Failures = append(report.Failures, TaskFailure{
			Service:  res.task.Service,
			Region:   res.task.Region,
			Kind:     fault.KindOf(res.err),
			Attempts: res.attempts,
			Error:    res.err.Error(),
		})
		return
	}
	report.Succeeded++
	report.Resources += res.collected
	report.Dropped += res.dropped
	report.Incomplete += res.incomplete
	report.ByService[res.task.Service] += res.collected
}

func (o *Orchestrator) persistReport(ctx context.Context, report *Report) {
	if err := o.store.RecordRun(ctx, report); err != nil {
		o.logger.WithContext(ctx).Warn().Err(err).Str("run_id", report.RunID).Msg("could not record run summary")
	}
}

// taskContext detaches a dispatched task from run cancellation. Once run is
// done the task keeps its context for a grace period, TaskTimeout or
// DefaultCancelGrace, so a finished remote read still gets persisted.
func (o *Orchestrator) taskContext(run context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(run))
	grace := o.opts.TaskTimeout
	if grace <= 0 {
		grace = DefaultCancelGrace
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stop := context.AfterFunc(run, func() {
		mu.Lock()
		timer = time.AfterFunc(grace, cancel)
		mu.Unlock()
	})
	return ctx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

// runTask collects one (collector, region) pair with retries, then
// persists the result as a single batch. Attempts and the write run under
// ctx; retries stop as soon as run is canceled.
func (o *Orchestrator) runTask(run, ctx context.Context, runID string, collectedAt time.Time, c collector.Collector, region string) outcome {
	service := string(c.Service())
	res := outcome{task: Task{Service: c.Service(), Region: region}}
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "collect."+service, trace.WithAttributes(
		attribute.String("collector", service),
		attribute.String("cloud.region", region),
	))
	defer span.End()

	log := o.logger.WithContext(ctx).With().
		Str("run_id", runID).
		Str("collector", service).
		Str("region", region).
		Logger()

	defer func() {
		o.metrics.RecordTask(ctx, time.Since(start), res)
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, string(fault.KindOf(res.err)))
		}
		span.SetAttributes(attribute.Int("task.attempts", res.attempts), attribute.Int("task.resources", res.collected))
	}()

	log.Debug().Msg("task started")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.InitialBackoff
	b.MaxInterval = o.opts.MaxBackoff

	raw, err := backoff.Retry(run, func() ([]resource.Resource, error) {
		res.attempts++
		out, err := o.attempt(ctx, c, region)
		if err == nil {
			return out, nil
		}
		if !fault.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.metrics.RecordRetry(ctx, service, region, err)
			log.Warn().Err(err).
				Int("attempt", res.attempts).
				Str("kind", string(fault.KindOf(err))).
				Dur("backoff", next).
				Msg("task attempt failed, retrying")
		}),
	)
	if err != nil {
		if run.Err() != nil && errors.Is(err, context.Canceled) {
			err = fault.New(fault.KindCanceled, service, err)
		}
		res.err = err
		log.Warn().Err(err).
			Int("attempt", res.attempts).
			Str("kind", string(fault.KindOf(err))).
			Msg("task failed")
		return res
	}

	valid, dropped, incomplete := prepare(c, raw, collectedAt, log)
	res.dropped = dropped
	if len(valid) == 0 && dropped > 0 {
		res.err = fault.Malformed(service, fmt.Errorf("all %d records lacked an identity", dropped))
		log.Warn().Err(res.err).Msg("task failed")
		return res
	}

	if len(valid) == 0 {
		log.Info().Int("attempt", res.attempts).Msg("task complete, nothing found")
		return res
	}
	if err := o.store.UpsertBatch(ctx, valid); err != nil {
		res.err = err
		if fault.Is(err, fault.KindStore) {
			o.metrics.RecordStoreFailure(ctx, service, region)
		}
		log.Error().Err(err).Int("count", len(valid)).Msg("persist task resources")
		return res
	}
	res.collected = len(valid)
	res.incomplete = incomplete

	log.Info().
		Int("attempt", res.attempts).
		Int("count", res.collected).
		Int("dropped", res.dropped).
		Int("incomplete", res.incomplete).
		Dur("duration", time.Since(start)).
		Msg("task complete")
	return res
}

// attempt makes one bounded Collect call. An attempt that hits its own
// timeout while the run is still live counts as a transient failure.
func (o *Orchestrator) attempt(ctx context.Context, c collector.Collector, region string) ([]resource.Resource, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	actx := ctx
	if o.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, o.opts.TaskTimeout)
		defer cancel()
	}

	out, err := c.Collect(actx, region)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fault.Network(string(c.Service()), err)
	}
	return out, err
}

// prepare stamps and normalizes raw collector output. Records without an
// identity are dropped and counted; unparseable IPs are dropped from the
// record. Kept records the collector marked incomplete are counted too.
// Global collectors always store the global region literal.
func prepare(c collector.Collector, raw []resource.Resource, collectedAt time.Time, log zerolog.Logger) (valid []resource.Resource, dropped, incomplete int) {
	valid = make([]resource.Resource, 0, len(raw))

	for _, r := range raw {
		if r.Service == "" {
			r.Service = c.Service()
		}
		if c.Global() {
			r.Region = resource.GlobalRegion
		}
		r.CollectedAt = collectedAt

		n, badIPs := r.Normalize()
		if len(badIPs) > 0 {
			log.Warn().Str("arn", n.ARN).Strs("ips", badIPs).Msg("dropping unparseable ips")
		}
		if err := n.Validate(); err != nil {
			log.Warn().Err(err).Str("name", n.Name).Msg("dropping record without identity")
			dropped++
			continue
		}
		if n.Incomplete() {
			incomplete++
		}
		valid = append(valid, n)
	}

	return valid, dropped, incomplete
}
