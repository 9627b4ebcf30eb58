package jobqueue

import (
	"errors"
	"fmt"

	"github.com/VsevolodSauta/jobqueue/internal/numa"
)

// Sentinel errors, classify with errors.Is.
var (
	// ErrNilJob is the panic value of Enqueue when called with a nil job.
	ErrNilJob = errors.New("jobqueue: job is nil")
	// ErrNilQueue is returned when adding a nil queue to a group.
	ErrNilQueue = errors.New("jobqueue: queue is nil")
	// ErrQueueRunning is returned when a loop is started on a queue that
	// already runs one.
	ErrQueueRunning = errors.New("jobqueue: queue loop already running")
	// ErrQueueInGroup is returned when adding a queue that already belongs
	// to a group.
	ErrQueueInGroup = errors.New("jobqueue: queue already belongs to a group")
	// ErrGroupRunning is returned when a group is modified or launched while
	// a launch is in progress.
	ErrGroupRunning = errors.New("jobqueue: group launch in progress")
	// ErrNoQueues is returned when launching a group without queues.
	ErrNoQueues = errors.New("jobqueue: group has no queues")
	// ErrMemoryPolicy marks a Pinner error where the thread was bound to the
	// domain's cpus but memory placement failed.
	ErrMemoryPolicy = numa.ErrMemoryPolicy
	// ErrInvariant classifies InvariantError panics.
	ErrInvariant = errors.New("jobqueue: invariant violated")
)

// InvariantError reports a broken idle-detection contract: a queue that still
// holds jobs after all of its workers agreed there was nothing left to do.
// It is raised with panic, continuing would silently drop work.
type InvariantError struct {
	Op      string // "loop", "numa_loop" or "launch"
	QueueID int
	Pending int
}

// Error returns the human-readable error message.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("jobqueue: %s finished with %d pending jobs in queue %d", e.Op, e.Pending, e.QueueID)
}

// Unwrap returns ErrInvariant for errors.Is classification.
func (e *InvariantError) Unwrap() error {
	return ErrInvariant
}
