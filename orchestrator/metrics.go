package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/cartograph/internal/fault"
)

// Metrics holds the inventory instruments. They resolve against the global
// meter provider, so the telemetry provider must be installed first for
// values to be exported.
type Metrics struct {
	runs          metric.Int64Counter
	taskDuration  metric.Float64Histogram
	collected     metric.Int64Counter
	dropped       metric.Int64Counter
	incomplete    metric.Int64Counter
	taskErrors    metric.Int64Counter
	taskRetries   metric.Int64Counter
	storeFailures metric.Int64Counter
}

// NewMetrics creates the inventory instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("cartograph.orchestrator")
	m := &Metrics{}
	var err error

	m.runs, err = meter.Int64Counter(
		"cartograph_runs_total",
		metric.WithDescription("Inventory runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.taskDuration, err = meter.Float64Histogram(
		"cartograph_task_duration_seconds",
		metric.WithDescription("Duration of collector tasks including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.collected, err = meter.Int64Counter(
		"cartograph_resources_collected_total",
		metric.WithDescription("Resources persisted by collector tasks"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	m.dropped, err = meter.Int64Counter(
		"cartograph_resources_dropped_total",
		metric.WithDescription("Records dropped because no identity could be formed"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	m.incomplete, err = meter.Int64Counter(
		"cartograph_resources_incomplete_total",
		metric.WithDescription("Resources stored with attributes their collector could not fetch"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	m.taskErrors, err = meter.Int64Counter(
		"cartograph_task_errors_total",
		metric.WithDescription("Collector tasks that failed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	m.taskRetries, err = meter.Int64Counter(
		"cartograph_task_retries_total",
		metric.WithDescription("Retried collector attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.storeFailures, err = meter.Int64Counter(
		"cartograph_store_failures_total",
		metric.WithDescription("Store writes that aborted a run"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func taskAttrs(service, region string, extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("collector", service),
		attribute.String("cloud.region", region),
	}, extra...)
	return metric.WithAttributes(attrs...)
}

// RecordTask records one finished task. A nil res.err is a success.
func (m *Metrics) RecordTask(ctx context.Context, d time.Duration, res outcome) {
	service, region := string(res.task.Service), res.task.Region
	status := "ok"
	if res.err != nil {
		status = "error"
	}
	m.taskDuration.Record(ctx, d.Seconds(), taskAttrs(service, region, attribute.String("status", status)))

	if res.err != nil {
		m.taskErrors.Add(ctx, 1, taskAttrs(service, region, attribute.String("kind", string(fault.KindOf(res.err)))))
		return
	}
	m.collected.Add(ctx, int64(res.collected), taskAttrs(service, region))
	if res.dropped > 0 {
		m.dropped.Add(ctx, int64(res.dropped), taskAttrs(service, region))
	}
	if res.incomplete > 0 {
		m.incomplete.Add(ctx, int64(res.incomplete), taskAttrs(service, region))
	}
}

// RecordRetry records a retried attempt and the error that caused it.
func (m *Metrics) RecordRetry(ctx context.Context, service, region string, err error) {
	m.taskRetries.Add(ctx, 1, taskAttrs(service, region, attribute.String("kind", string(fault.KindOf(err)))))
}

// RecordStoreFailure records a fatal store write.
func (m *Metrics) RecordStoreFailure(ctx context.Context, service, region string) {
	m.storeFailures.Add(ctx, 1, taskAttrs(service, region))
}

// RecordRun records the outcome of a run: ok, partial, canceled or failed.
func (m *Metrics) RecordRun(ctx context.Context, outcome string) {
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
