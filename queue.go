package jobqueue

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Queue holds pending jobs and runs them on a pool of workers against one
// shared state value S.
//
// Jobs may be enqueued before a loop starts and from running jobs at any
// time. A loop returns once every one of its workers has found the queue empty
// while all of them were idle, and, inside a group, once the group has no work
// left to assist with.
type Queue[S any] struct {
	items *container[Job[S]]
	state S
	opts  options

	// set by Group.Add before any loop starts
	id    int
	group *Group[S]

	numThreads atomic.Int32
	idle       atomic.Int32
	running    atomic.Bool
}

// NewQueue creates a standalone queue whose jobs run against state.
func NewQueue[S any](state S, opts ...Option) *Queue[S] {
	return newQueue(state, buildOptions(defaultOptions(), opts))
}

func newQueue[S any](state S, o options) *Queue[S] {
	return &Queue[S]{
		items: newContainer[Job[S]](),
		state: state,
		opts:  o,
	}
}

// ID returns the queue's position in its group, 0 for standalone queues.
func (q *Queue[S]) ID() int { return q.id }

// State returns the shared state passed to every job of the queue.
func (q *Queue[S]) State() S { return q.state }

// Group returns the owning group, nil for standalone queues.
func (q *Queue[S]) Group() *Group[S] { return q.group }

// Enqueue adds a job. It never blocks and is safe for concurrent use, both
// from running jobs and from the driver before a loop starts.
// Enqueue panics with ErrNilJob if job is nil.
func (q *Queue[S]) Enqueue(job Job[S]) {
	if job == nil {
		panic(ErrNilJob)
	}
	q.items.push(job)
}

// HasIdle reports whether at least one worker of the running loop currently
// has no work. The answer may be stale by the time it is used.
func (q *Queue[S]) HasIdle() bool {
	return q.idle.Load() != 0
}

// Len returns the approximate number of pending jobs.
func (q *Queue[S]) Len() int {
	return q.items.len()
}

// TryRun runs one pending job on the calling goroutine. It returns false if
// the queue is finished: empty, with every worker of the current loop idle
// (or no loop running).
func (q *Queue[S]) TryRun() bool {
	job, ok := q.items.pop()
	if !ok {
		return q.idle.Load() != q.numThreads.Load()
	}

	t := workerTally{local: 1}
	if q.execute(job) {
		t.released++
	}
	q.opts.metrics.recordWorker(context.Background(), q.id, &t)
	return true
}

// Loop runs threads workers until the queue's work is exhausted and blocks
// until all of them have terminated. A non-positive threads means
// runtime.GOMAXPROCS(0). If the queue was created with
// WithPlacement(PlacementDomainZero), every worker is pinned to domain 0.
//
// ctx carries tracing and metric context only, the loop is not cancellable.
func (q *Queue[S]) Loop(ctx context.Context, threads int) error {
	domain := -1
	if q.opts.placement == PlacementDomainZero {
		domain = 0
	}
	return q.run(ctx, "loop", domain, threads)
}

// NumaLoop is Loop with every worker pinned to domain and preferring memory
// from it. Placement is best effort: a worker that cannot be pinned runs
// unpinned. A negative domain disables placement.
func (q *Queue[S]) NumaLoop(ctx context.Context, domain, threads int) error {
	return q.run(ctx, "numa_loop", domain, threads)
}

func (q *Queue[S]) run(ctx context.Context, op string, domain, threads int) error {
	ctx = normalizeContext(ctx)
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	if !q.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s on queue %d: %w", op, q.id, ErrQueueRunning)
	}
	defer q.running.Store(false)

	ctx, span := q.opts.tracer.Start(ctx, "jobqueue.loop",
		trace.WithAttributes(
			attribute.String("jobqueue.op", op),
			attribute.Int("jobqueue.queue", q.id),
			attribute.Int("jobqueue.threads", threads),
			attribute.Int("jobqueue.domain", domain),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	q.numThreads.Store(int32(threads))
	q.idle.Store(0)

	q.opts.logger.Debug("Loop: starting", "op", op, "queue", q.id, "threads", threads, "domain", domain, "pending", q.Len())
	start := time.Now()

	var wg sync.WaitGroup
	for range threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx, domain)
		}()
	}
	wg.Wait()
	q.idle.Store(0)
	q.numThreads.Store(0)

	elapsed := time.Since(start)
	q.opts.metrics.recordLoop(ctx, q.id, elapsed.Seconds())
	q.opts.logger.Debug("Loop: finished", "op", op, "queue", q.id, "threads", threads, "elapsed", elapsed)

	// Grouped queues may still be drained by assisting siblings; Launch
	// checks them once every loop has returned.
	if q.group == nil {
		q.verifyDrained(op)
	}
	return nil
}

// execute runs job against the queue's state and reports whether it
// completed. Completed jobs are released here and nowhere else.
func (q *Queue[S]) execute(job Job[S]) bool {
	if job.Run(q.state) != Completed {
		return false
	}
	if r, ok := job.(Releaser); ok {
		r.Release()
	}
	return true
}

func (q *Queue[S]) verifyDrained(op string) {
	if n := q.items.len(); n != 0 {
		panic(&InvariantError{Op: op, QueueID: q.id, Pending: n})
	}
}

// SelfQueue is a queue whose shared state is the queue itself, for jobs that
// only need to enqueue further jobs.
type SelfQueue struct {
	*Queue[*SelfQueue]
}

// SelfJob is a job run by a SelfQueue.
type SelfJob = Job[*SelfQueue]

// NewSelfQueue creates a standalone SelfQueue.
func NewSelfQueue(opts ...Option) *SelfQueue {
	sq := &SelfQueue{}
	sq.Queue = NewQueue(sq, opts...)
	return sq
}
