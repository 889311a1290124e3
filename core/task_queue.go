package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultQueueCap = 16

// ErrTaskCancelled is the cause reported for tasks discarded by a
// non-draining shutdown.
var ErrTaskCancelled = errors.New("task cancelled before execution")

// TaskID identifies one submitted task across logs and callbacks.
type TaskID = uuid.UUID

// Operation is the unit of work executed on a worker thread. It must honor
// ctx cancellation: when its deadline expires the worker stops waiting but
// does not interrupt the operation, so the operation is responsible for its
// own cancellation-safety (e.g., closing its socket).
type Operation func(ctx context.Context) error

// ResultCallback receives the outcome of a task. It is invoked on the worker
// thread; callers marshal back to their own execution context.
type ResultCallback func(id TaskID, err error)

type pendingTask struct {
	id       TaskID
	op       Operation
	timeout  time.Duration
	onResult ResultCallback
}

// TaskQueue is a FIFO work queue with a fixed worker pool. It decouples
// callers from blocking socket I/O: Submit never blocks, workers execute
// tasks in submission order (completion order is unordered for pool size >1),
// and results come back through the per-task callback.
//
// The queue is unbounded. Local hardware-control commands are rare and
// latency-sensitive, not throughput-sensitive, so backpressure is a deliberate
// simplification left out of this design.
type TaskQueue struct {
	name    string
	workers int
	tm      *ThreadManager
	logger  Logger
	metrics Metrics

	mu    sync.Mutex
	tasks []pendingTask

	signal chan struct{}
	active atomic.Int32
	closed atomic.Bool
}

// QueueOption configures a TaskQueue.
type QueueOption func(*TaskQueue)

// WithQueueLogger sets the logger used for worker faults.
func WithQueueLogger(logger Logger) QueueOption {
	return func(q *TaskQueue) { q.logger = logger }
}

// WithQueueMetrics sets the metrics sink.
func WithQueueMetrics(metrics Metrics) QueueOption {
	return func(q *TaskQueue) { q.metrics = metrics }
}

// NewTaskQueue creates a queue named name with the given pool size. The
// worker threads are owned by tm; their names are derived from the queue
// name. Fails with a lifecycle error if a queue with the same name already
// holds its worker names.
func NewTaskQueue(name string, workers int, tm *ThreadManager, opts ...QueueOption) (*TaskQueue, error) {
	if workers < 1 {
		workers = 1
	}
	q := &TaskQueue{
		name:    name,
		workers: workers,
		tm:      tm,
		logger:  NewNoOpLogger(),
		metrics: &NilMetrics{},
		tasks:   make([]pendingTask, 0, defaultQueueCap),
		signal:  make(chan struct{}, workers*2),
	}
	for _, opt := range opts {
		opt(q)
	}

	for i := 0; i < workers; i++ {
		if err := tm.Start(q.workerName(i), q.workerLoop); err != nil {
			for j := 0; j < i; j++ {
				tm.Stop(q.workerName(j), time.Second)
			}
			return nil, err
		}
	}
	return q, nil
}

func (q *TaskQueue) workerName(i int) string {
	return fmt.Sprintf("%s-worker-%d", q.name, i)
}

// Submit enqueues op with a per-task deadline. onResult receives the outcome
// exactly once; it may be nil when the caller does not care. Submission after
// Shutdown is a lifecycle error reported synchronously.
func (q *TaskQueue) Submit(op Operation, timeout time.Duration, onResult ResultCallback) (TaskID, error) {
	if q.closed.Load() {
		q.metrics.RecordTaskRejected(q.name, "shutdown")
		return uuid.Nil, NewLifecycleError("taskqueue.submit",
			fmt.Errorf("queue %q: %w", q.name, ErrNotRunning))
	}

	task := pendingTask{
		id:       uuid.New(),
		op:       op,
		timeout:  timeout,
		onResult: onResult,
	}

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	depth := len(q.tasks)
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(q.name, depth)

	select {
	case q.signal <- struct{}{}:
	default:
		// Signal channel full; a worker will find the task on its next pass.
	}

	return task.id, nil
}

// Len returns the number of queued (not yet claimed) tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// ActiveCount returns the number of tasks currently executing on workers.
func (q *TaskQueue) ActiveCount() int { return int(q.active.Load()) }

// pop claims the oldest task. Ownership transfers to exactly one worker.
func (q *TaskQueue) pop() (pendingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return pendingTask{}, false
	}
	task := q.tasks[0]
	q.tasks[0] = pendingTask{} // release references held by the backing array
	q.tasks = q.tasks[1:]
	return task, true
}

// workerLoop pulls tasks in FIFO order until the owning thread is cancelled.
func (q *TaskQueue) workerLoop(ctx context.Context) {
	for {
		task, ok := q.pop()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		q.metrics.RecordQueueDepth(q.name, q.Len())
		q.execute(ctx, task)
	}
}

// execute runs one task under its deadline. An operation that overruns is
// abandoned, not interrupted: the worker reports the timeout and moves on
// while the operation's context tells it to clean up after itself.
func (q *TaskQueue) execute(ctx context.Context, task pendingTask) {
	q.active.Add(1)
	defer q.active.Add(-1)

	opCtx := ctx
	cancel := context.CancelFunc(func() {})
	if task.timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, task.timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				q.logger.Error("task panicked",
					F("queue", q.name), F("task", task.id), F("panic", rec))
				q.metrics.RecordTaskPanic(q.name, rec)
				done <- Recovered("taskqueue.execute", rec)
			}
		}()
		done <- task.op(opCtx)
	}()

	select {
	case err := <-done:
		q.metrics.RecordTaskDuration(q.name, time.Since(start))
		q.deliver(task, err)
	case <-opCtx.Done():
		if ctx.Err() == nil {
			q.metrics.RecordTaskTimeout(q.name)
			q.deliver(task, NewTimeoutError("taskqueue.execute", "",
				fmt.Errorf("task %s exceeded %v", task.id, task.timeout)))
		} else {
			// Worker shutdown while the task was in flight.
			q.deliver(task, NewCommunicationError("taskqueue.execute", "", ctx.Err()))
		}
	}
}

// deliver invokes the result callback, keeping callback panics away from the
// worker loop.
func (q *TaskQueue) deliver(task pendingTask, err error) {
	if task.onResult == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("result callback panicked",
				F("queue", q.name), F("task", task.id), F("panic", rec))
		}
	}()
	task.onResult(task.id, err)
}

// Shutdown stops the queue. With drain=true it waits (bounded by timeout)
// for queued and active tasks to finish; with drain=false unclaimed tasks
// are discarded and reported as cancelled through their callbacks. Worker
// threads are then joined through the ThreadManager.
func (q *TaskQueue) Shutdown(drain bool, timeout time.Duration) error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	deadline := time.Now().Add(timeout)

	if drain {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for q.Len() > 0 || q.ActiveCount() > 0 {
			if time.Now().After(deadline) {
				q.discard()
				break
			}
			<-ticker.C
		}
	} else {
		q.discard()
	}

	var failed []string
	for i := 0; i < q.workers; i++ {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		stopped, err := q.tm.Stop(q.workerName(i), remaining)
		if err == nil && !stopped {
			failed = append(failed, q.workerName(i))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("taskqueue %q: workers did not stop: %v", q.name, failed)
	}
	return nil
}

// discard drops all unclaimed tasks, reporting each as cancelled.
func (q *TaskQueue) discard() {
	q.mu.Lock()
	dropped := q.tasks
	q.tasks = make([]pendingTask, 0, defaultQueueCap)
	q.mu.Unlock()

	for _, task := range dropped {
		q.metrics.RecordTaskRejected(q.name, "cancelled")
		q.deliver(task, NewCommunicationError("taskqueue.shutdown", "", ErrTaskCancelled))
	}
	q.metrics.RecordQueueDepth(q.name, 0)
}
