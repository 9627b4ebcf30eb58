package jobqueue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// instrumentationName is the scope name for jobqueue metrics and traces.
const instrumentationName = "github.com/VsevolodSauta/jobqueue"

// Metrics holds the queue instruments. Workers tally locally and record once
// when they terminate, so nothing is recorded per job.
//
// Instruments:
//   - jobqueue.jobs.executed (Int64Counter): job runs, by queue and
//     mode ("local" or "assist")
//   - jobqueue.jobs.released (Int64Counter): jobs that returned Completed
//   - jobqueue.assists (Int64Counter): assist attempts, by queue and found
//   - jobqueue.loop.duration (Float64Histogram): loop wall time in seconds
//   - jobqueue.workers.active (Int64UpDownCounter): running workers
//   - jobqueue.placement.failures (Int64Counter): failed pin attempts, by
//     domain and stage ("affinity" runs unpinned, "memory" keeps the cpus)
type Metrics struct {
	JobsExecuted      metric.Int64Counter
	JobsReleased      metric.Int64Counter
	Assists           metric.Int64Counter
	LoopDuration      metric.Float64Histogram
	WorkersActive     metric.Int64UpDownCounter
	PlacementFailures metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JobsExecuted, err = meter.Int64Counter(
		"jobqueue.jobs.executed",
		metric.WithDescription("Total number of job runs"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	m.JobsReleased, err = meter.Int64Counter(
		"jobqueue.jobs.released",
		metric.WithDescription("Total number of jobs released after completing"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	m.Assists, err = meter.Int64Counter(
		"jobqueue.assists",
		metric.WithDescription("Total number of assist attempts on sibling queues"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopDuration, err = meter.Float64Histogram(
		"jobqueue.loop.duration",
		metric.WithDescription("Duration of a queue loop in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60),
	)
	if err != nil {
		return nil, err
	}

	m.WorkersActive, err = meter.Int64UpDownCounter(
		"jobqueue.workers.active",
		metric.WithDescription("Number of running workers (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.PlacementFailures, err = meter.Int64Counter(
		"jobqueue.placement.failures",
		metric.WithDescription("Total number of workers that could not be pinned"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// defaultMetrics uses the global MeterProvider. Instrument creation only fails
// on invalid names, in which case the noop meter is used.
func defaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(instrumentationName))
	if err != nil {
		m, _ = NewMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

// workerTally is the per-worker counter block flushed into Metrics.
type workerTally struct {
	local    int64
	assisted int64
	released int64
	found    int64
	missed   int64
}

func (m *Metrics) recordWorker(ctx context.Context, queueID int, t *workerTally) {
	queue := attribute.Int("queue", queueID)

	if t.local > 0 {
		m.JobsExecuted.Add(ctx, t.local, metric.WithAttributes(queue, attribute.String("mode", "local")))
	}
	if t.assisted > 0 {
		m.JobsExecuted.Add(ctx, t.assisted, metric.WithAttributes(queue, attribute.String("mode", "assist")))
	}
	if t.released > 0 {
		m.JobsReleased.Add(ctx, t.released, metric.WithAttributes(queue))
	}
	if t.found > 0 {
		m.Assists.Add(ctx, t.found, metric.WithAttributes(queue, attribute.Bool("found", true)))
	}
	if t.missed > 0 {
		m.Assists.Add(ctx, t.missed, metric.WithAttributes(queue, attribute.Bool("found", false)))
	}
}

func (m *Metrics) recordLoop(ctx context.Context, queueID int, seconds float64) {
	m.LoopDuration.Record(ctx, seconds, metric.WithAttributes(attribute.Int("queue", queueID)))
}

func (m *Metrics) recordWorkers(ctx context.Context, queueID int, delta int64) {
	m.WorkersActive.Add(ctx, delta, metric.WithAttributes(attribute.Int("queue", queueID)))
}

func (m *Metrics) recordPlacementFailure(ctx context.Context, domain int, stage string) {
	m.PlacementFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("domain", domain),
		attribute.String("stage", stage),
	))
}
