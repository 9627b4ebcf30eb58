package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Group runs a set of queues side by side, typically one per locality domain,
// and lets workers whose queue has drained assist the others.
//
// Queues must be registered before Launch. A queue id equals its position in
// the group.
type Group[S any] struct {
	topology Topology
	opts     options

	mu        sync.Mutex
	queues    []*Queue[S]
	launching bool

	// copy of queues read without the lock by workers and jobs
	members atomic.Pointer[[]*Queue[S]]
}

// NewGroup creates an empty group. A nil topology is detected from
// LoadConfig().
func NewGroup[S any](topology Topology, opts ...Option) *Group[S] {
	if topology == nil {
		topology = DetectTopology(LoadConfig())
	}
	return &Group[S]{
		topology: topology,
		opts:     buildOptions(defaultOptions(), opts),
	}
}

// Topology returns the topology consulted by Launch.
func (g *Group[S]) Topology() Topology { return g.topology }

// Add registers q under the next free id. It fails with ErrGroupRunning
// during a launch and with ErrQueueInGroup if q was already added to a group.
// Add must not race with loops started directly on member queues.
func (g *Group[S]) Add(q *Queue[S]) error {
	if q == nil {
		return ErrNilQueue
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.launching {
		return ErrGroupRunning
	}
	if q.group != nil {
		return fmt.Errorf("queue %d: %w", q.id, ErrQueueInGroup)
	}

	q.id = len(g.queues)
	q.group = g
	g.queues = append(g.queues, q)
	members := append([]*Queue[S](nil), g.queues...)
	g.members.Store(&members)

	g.opts.logger.Debug("Add: registered queue", "queue", q.id)
	return nil
}

// NewQueue creates a queue with the group's logger, metrics, tracer and
// pinner, overridable by opts, and adds it to the group.
func (g *Group[S]) NewQueue(state S, opts ...Option) (*Queue[S], error) {
	q := newQueue(state, buildOptions(g.opts, opts))
	if err := g.Add(q); err != nil {
		return nil, err
	}
	return q, nil
}

// Queues returns the registered queues in id order.
func (g *Group[S]) Queues() []*Queue[S] {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Queue[S](nil), g.queues...)
}

// Len returns the number of registered queues.
func (g *Group[S]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queues)
}

// HasIdle reports whether any member queue has an idle worker. It takes no
// lock and is cheap enough to call from running jobs.
func (g *Group[S]) HasIdle() bool {
	for _, q := range g.snapshot() {
		if q.HasIdle() {
			return true
		}
	}
	return false
}

func (g *Group[S]) snapshot() []*Queue[S] {
	if p := g.members.Load(); p != nil {
		return *p
	}
	return nil
}

// ThreadAllocation returns the number of threads queue index of count gets
// from total: an even split with the remainder going to the lowest indices,
// so 10 threads over 3 queues are 4, 3, 3. Out-of-range arguments yield 0.
func ThreadAllocation(index, count, total int) int {
	if count <= 0 || total <= 0 || index < 0 || index >= count {
		return 0
	}
	n := total / count
	if index < total%count {
		n++
	}
	return n
}

// LaunchConcurrency returns how many queue loops a launch starts at once:
// min(total, count), at least 1.
func LaunchConcurrency(count, total int) int {
	return max(min(total, count), 1)
}

// launchDomain returns the domain queue k is pinned to, -1 for none.
func launchDomain(policy PlacementPolicy, k, domains int) int {
	switch policy {
	case PlacementDistribute:
		return k % max(domains, 1)
	case PlacementDomainZero:
		return 0
	default:
		return -1
	}
}

// Launch runs every queue's NumaLoop and blocks until all have returned.
//
// Queue k gets ThreadAllocation(k, n, Threads()) workers, at least one, placed
// on its domain per the topology's policy. At most LaunchConcurrency(n,
// Threads()) loops run at the same time; when there are more queues than
// threads, the queues started first assist the ones still waiting.
func (g *Group[S]) Launch(ctx context.Context) error {
	ctx = normalizeContext(ctx)

	g.mu.Lock()
	if g.launching {
		g.mu.Unlock()
		return ErrGroupRunning
	}
	if len(g.queues) == 0 {
		g.mu.Unlock()
		return ErrNoQueues
	}
	g.launching = true
	queues := g.queues
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.launching = false
		g.mu.Unlock()
	}()

	runID := uuid.NewString()
	n := len(queues)
	total := g.topology.Threads()
	domains := g.topology.Domains()
	policy := g.topology.Placement()
	limit := LaunchConcurrency(n, total)

	ctx, span := g.opts.tracer.Start(ctx, "jobqueue.launch",
		trace.WithAttributes(
			attribute.String("jobqueue.run_id", runID),
			attribute.Int("jobqueue.queues", n),
			attribute.Int("jobqueue.threads", total),
			attribute.Int("jobqueue.domains", domains),
			attribute.String("jobqueue.placement", policy.String()),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	logger := g.opts.logger.With("run_id", runID)
	logger.Info("Launch: starting", "queues", n, "threads", total, "domains", domains,
		"placement", policy.String(), "concurrency", limit)

	var eg errgroup.Group
	eg.SetLimit(limit)
	for k, q := range queues {
		domain := launchDomain(policy, k, domains)
		threads := max(ThreadAllocation(k, n, total), 1)
		logger.Debug("Launch: scheduling queue", "queue", k, "domain", domain, "threads", threads)
		eg.Go(func() error {
			return q.NumaLoop(ctx, domain, threads)
		})
	}

	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Launch: failed", "error", err)
		return fmt.Errorf("launch %s: %w", runID, err)
	}

	for _, q := range queues {
		q.verifyDrained("launch")
	}

	span.SetStatus(codes.Ok, "")
	logger.Info("Launch: finished", "queues", n)
	return nil
}

// Assist runs one pending job of some member queue on behalf of queue qid and
// reports whether it found one. Queues are scanned round-robin starting after
// qid, ending with qid itself. The job runs against the state of the queue it
// was taken from.
func (g *Group[S]) Assist(qid int) bool {
	var t workerTally
	found := g.assist(qid, &t)
	g.opts.metrics.recordWorker(context.Background(), qid, &t)
	return found
}

func (g *Group[S]) assist(qid int, t *workerTally) bool {
	queues := g.snapshot()
	n := len(queues)
	id := qid
	for range n {
		if id++; id >= n || id < 0 {
			id = 0
		}
		origin := queues[id]
		if job, ok := origin.items.pop(); ok {
			t.found++
			t.assisted++
			if origin.execute(job) {
				t.released++
			}
			return true
		}
	}
	t.missed++
	return false
}
