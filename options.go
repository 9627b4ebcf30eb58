package jobqueue

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/VsevolodSauta/jobqueue/internal/numa"
)

// Pinner binds the calling goroutine's thread to a locality domain. It is
// called once by every worker of a placed loop, from that worker.
type Pinner func(domain int) error

// Option configures a Queue or a Group.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	metrics   *Metrics
	tracer    trace.Tracer
	pinner    Pinner
	placement PlacementPolicy
}

func defaultOptions() options {
	return options{
		logger:    slog.Default(),
		pinner:    numa.Pin,
		placement: PlacementNone,
	}
}

func buildOptions(base options, opts []Option) options {
	o := base
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = defaultMetrics()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	if o.pinner == nil {
		o.pinner = numa.Pin
	}
	return o
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the instruments (default: instruments on the global
// MeterProvider).
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider sets the provider used for loop and launch spans
// (default: the global TracerProvider).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp.Tracer(instrumentationName) }
}

// WithPinner replaces the thread placement function (default: NUMA pinning on
// Linux, unsupported elsewhere).
func WithPinner(p Pinner) Option {
	return func(o *options) { o.pinner = p }
}

// WithPlacement sets the placement used by Queue.Loop. Only
// PlacementDomainZero has an effect there; groups take the policy from their
// Topology.
func WithPlacement(p PlacementPolicy) Option {
	return func(o *options) { o.placement = p }
}
