package jobqueue

import (
	"context"
	"errors"
	"runtime"
)

// work is the body of one worker goroutine:
//
//	busy:       pop and run until the queue is empty
//	idle:       count as idle, keep polling; a job makes the worker busy again
//	assisting:  all workers idle and the queue empty, help sibling queues
//	terminated: the group has nothing left either
func (q *Queue[S]) work(ctx context.Context, domain int) {
	if domain >= 0 {
		q.place(ctx, domain)
	}

	q.opts.metrics.recordWorkers(ctx, q.id, 1)
	var t workerTally
	defer func() {
		q.opts.metrics.recordWorker(ctx, q.id, &t)
		q.opts.metrics.recordWorkers(ctx, q.id, -1)
	}()

	total := q.numThreads.Load()
	for {
		for {
			job, ok := q.items.pop()
			if !ok {
				break
			}
			q.runLocal(job, &t)
		}

		q.idle.Add(1)
		job, ok := q.awaitJob(total)
		if !ok {
			q.assist(&t)
			return
		}
		q.idle.Add(-1)
		q.runLocal(job, &t)
	}
}

// awaitJob spins while idle. It returns false once the queue is empty and all
// total workers are idle; the idle count is re-read after every failed pop.
func (q *Queue[S]) awaitJob(total int32) (Job[S], bool) {
	for {
		if job, ok := q.items.pop(); ok {
			return job, true
		}
		if q.idle.Load() == total {
			return nil, false
		}
		runtime.Gosched()
	}
}

func (q *Queue[S]) place(ctx context.Context, domain int) {
	err := q.opts.pinner(domain)
	switch {
	case err == nil:
	case errors.Is(err, ErrMemoryPolicy):
		q.opts.metrics.recordPlacementFailure(ctx, domain, "memory")
		q.opts.logger.Debug("worker: cpus pinned, memory policy not applied", "queue", q.id, "domain", domain, "error", err)
	default:
		q.opts.metrics.recordPlacementFailure(ctx, domain, "affinity")
		q.opts.logger.Debug("worker: placement failed, running unpinned", "queue", q.id, "domain", domain, "error", err)
	}
}

func (q *Queue[S]) runLocal(job Job[S], t *workerTally) {
	t.local++
	if q.execute(job) {
		t.released++
	}
}

func (q *Queue[S]) assist(t *workerTally) {
	if q.group == nil {
		return
	}
	for q.group.assist(q.id, t) {
	}
}
