// Package jobqueue provides a work-balancing job queue for parallel algorithms.
//
// A Queue distributes jobs across a fixed pool of worker goroutines and detects
// on its own when all work is exhausted: workers count themselves idle when the
// queue runs dry and terminate only once every worker of the queue agrees that
// nothing is left. Jobs typically decompose a problem recursively, enqueuing
// children for the sub-problems before completing themselves.
//
// Queues can be registered in a Group, usually one queue per memory-locality
// domain (NUMA node). The group splits the available threads among its queues,
// pins each queue's workers to a domain, and lets workers whose own queue has
// drained assist sibling queues before they exit.
//
// The library supports:
//   - Lock-free multi-producer/multi-consumer job container
//   - Decentralized idle detection (no coordinator, no external signal)
//   - Topology-aware thread allocation and CPU/memory placement on Linux
//   - Cross-queue work stealing inside a Group
//   - OpenTelemetry metrics and tracing, slog logging
//
// Example usage:
//
//	q := jobqueue.NewQueue(&sumState{data: data})
//	q.Enqueue(&sumJob{lo: 0, hi: len(data)})
//	if err := q.Loop(ctx, 0); err != nil {
//	    log.Fatal(err)
//	}
package jobqueue

// Result tells the queue what to do with a job after it ran.
type Result int

const (
	// Completed indicates the job is finished; the queue releases it.
	Completed Result = iota
	// Continuing indicates the job manages its own lifetime from here on
	// (it re-enqueued itself or is tracked by a parent). The queue does not
	// touch it again.
	Continuing
)

// String returns the name of the result.
func (r Result) String() string {
	switch r {
	case Completed:
		return "completed"
	case Continuing:
		return "continuing"
	default:
		return "unknown"
	}
}

// Job is a unit of work executed by a Queue against the queue's shared state.
// Run is never called concurrently for the same job value.
type Job[S any] interface {
	Run(state S) Result
}

// JobFunc adapts an ordinary function to the Job interface.
type JobFunc[S any] func(state S) Result

// Run calls f(state).
func (f JobFunc[S]) Run(state S) Result {
	return f(state)
}

// Releaser is implemented by jobs that hold resources. A queue calls Release
// exactly once on a job whose Run returned Completed, and never on a job that
// returned Continuing.
type Releaser interface {
	Release()
}
