package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// =============================================================================
// ThreadManager: Supervisor for named background threads
// =============================================================================

// ThreadState describes the lifecycle position of a managed thread.
type ThreadState int

const (
	// ThreadStarting: Start was called, the goroutine has not entered the
	// runnable yet.
	ThreadStarting ThreadState = iota

	// ThreadRunning: the runnable is executing.
	ThreadRunning

	// ThreadStopping: Stop was called, waiting for the runnable to observe
	// cancellation.
	ThreadStopping

	// ThreadStopped: the runnable returned and the record was retired.
	ThreadStopped

	// ThreadFailed: the runnable panicked, or ignored cancellation past the
	// stop timeout.
	ThreadFailed
)

func (s ThreadState) String() string {
	switch s {
	case ThreadStarting:
		return "starting"
	case ThreadRunning:
		return "running"
	case ThreadStopping:
		return "stopping"
	case ThreadStopped:
		return "stopped"
	case ThreadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Runnable is the unit of work owned by a managed thread. It must observe
// ctx.Done() at safe points; ThreadManager never force-kills a thread.
type Runnable func(ctx context.Context)

// managedThread is the registry record for one named thread. The record is
// created on Start and removed once the thread is confirmed stopped.
type managedThread struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	state  ThreadState
}

// ThreadManager supervises the lifecycle of named background threads.
// Cancellation is always cooperative: Stop signals the runnable's context and
// joins up to a timeout. A runnable that ignores the signal is marked failed
// and left to terminate on its own; its name stays reserved.
type ThreadManager struct {
	mu      sync.Mutex
	threads map[string]*managedThread
	logger  Logger
}

// NewThreadManager creates a supervisor that logs runnable faults through
// logger. A nil logger falls back to NoOpLogger.
func NewThreadManager(logger Logger) *ThreadManager {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &ThreadManager{
		threads: make(map[string]*managedThread),
		logger:  logger,
	}
}

// Start spawns a named thread running run. It fails with a lifecycle error
// if a thread with that name is still active.
func (tm *ThreadManager) Start(name string, run Runnable) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if existing, ok := tm.threads[name]; ok && !exited(existing) {
		return NewLifecycleError("threadmanager.start",
			fmt.Errorf("thread %q: %w", name, ErrAlreadyRunning))
	}

	ctx, cancel := context.WithCancel(context.Background())
	mt := &managedThread{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  ThreadStarting,
	}
	tm.threads[name] = mt

	go tm.run(ctx, mt, run)

	tm.logger.Debug("thread started", F("name", name))
	return nil
}

// run wraps the runnable with state tracking and panic recovery. A panic is
// logged and moves the thread to failed without crashing the supervisor.
func (tm *ThreadManager) run(ctx context.Context, mt *managedThread, run Runnable) {
	defer close(mt.done)

	tm.setState(mt, ThreadRunning)

	defer func() {
		if rec := recover(); rec != nil {
			tm.logger.Error("thread panicked",
				F("name", mt.name),
				F("panic", rec),
				F("stack", string(debug.Stack())))
			tm.setState(mt, ThreadFailed)
			return
		}
		tm.mu.Lock()
		defer tm.mu.Unlock()
		if mt.state != ThreadFailed {
			mt.state = ThreadStopped
		}
	}()

	run(ctx)
}

// Stop signals cooperative cancellation to the named thread and joins it for
// up to timeout. It returns false and marks the thread failed if the runnable
// does not exit in time. Stopping an unknown name returns a lifecycle error.
func (tm *ThreadManager) Stop(name string, timeout time.Duration) (bool, error) {
	tm.mu.Lock()
	mt, ok := tm.threads[name]
	if !ok {
		tm.mu.Unlock()
		return false, NewLifecycleError("threadmanager.stop",
			fmt.Errorf("thread %q: %w", name, ErrNotRunning))
	}
	if mt.state == ThreadRunning || mt.state == ThreadStarting {
		mt.state = ThreadStopping
	}
	tm.mu.Unlock()

	mt.cancel()

	select {
	case <-mt.done:
		tm.retire(name, mt)
		return true, nil
	case <-time.After(timeout):
		tm.setState(mt, ThreadFailed)
		tm.logger.Warn("thread did not stop within timeout",
			F("name", name), F("timeout", timeout))
		return false, nil
	}
}

// StopAll stops every registered thread, collecting failures instead of
// aborting on the first one.
func (tm *ThreadManager) StopAll(timeout time.Duration) []error {
	tm.mu.Lock()
	names := make([]string, 0, len(tm.threads))
	for name := range tm.threads {
		names = append(names, name)
	}
	tm.mu.Unlock()

	var errs []error
	for _, name := range names {
		stopped, err := tm.Stop(name, timeout)
		if err != nil {
			continue // already retired by a concurrent Stop
		}
		if !stopped {
			errs = append(errs, fmt.Errorf("thread %q did not stop within %v", name, timeout))
		}
	}
	return errs
}

// Status returns the state of the named thread. Unknown or already retired
// names report ThreadStopped.
func (tm *ThreadManager) Status(name string) ThreadState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if mt, ok := tm.threads[name]; ok {
		return mt.state
	}
	return ThreadStopped
}

// Running reports whether the named thread is currently active.
func (tm *ThreadManager) Running(name string) bool {
	s := tm.Status(name)
	return s == ThreadStarting || s == ThreadRunning
}

// ActiveCount returns the number of threads that have not stopped yet.
func (tm *ThreadManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	n := 0
	for _, mt := range tm.threads {
		if mt.state == ThreadStarting || mt.state == ThreadRunning || mt.state == ThreadStopping {
			n++
		}
	}
	return n
}

// exited reports whether the thread's goroutine has returned, regardless of
// the recorded state. A failed thread that eventually honored cancellation
// frees its name again.
func exited(mt *managedThread) bool {
	select {
	case <-mt.done:
		return true
	default:
		return false
	}
}

func (tm *ThreadManager) setState(mt *managedThread, state ThreadState) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	mt.state = state
}

// retire removes a cleanly stopped thread from the registry so the name can
// be reused.
func (tm *ThreadManager) retire(name string, mt *managedThread) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if current, ok := tm.threads[name]; ok && current == mt {
		delete(tm.threads, name)
	}
	tm.logger.Debug("thread stopped", F("name", name))
}
