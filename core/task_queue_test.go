package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// TestTaskQueue_FIFOOrder verifies submission-order dispatch
// Given: A single-worker queue and 20 tasks submitted in order
// When: All tasks have executed
// Then: The execution order equals the submission order
func TestTaskQueue_FIFOOrder(t *testing.T) {
	// Arrange
	tm := NewThreadManager(nil)
	q, err := NewTaskQueue("fifo", 1, tm)
	if err != nil {
		t.Fatalf("NewTaskQueue failed: %v", err)
	}
	defer q.Shutdown(true, time.Second)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	// Act
	for i := 0; i < 20; i++ {
		i := i
		_, err := q.Submit(func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			finished := len(order) == 20
			mu.Unlock()
			if finished {
				close(done)
			}
			return nil
		}, time.Second, nil)
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not complete in time")
	}

	// Assert
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order[%d] = %d, want %d (full order: %v)", i, got, i, order)
		}
	}
}

// TestTaskQueue_ResultDelivery verifies callback delivery for both outcomes
// Given: One succeeding and one failing task
// When: Both complete
// Then: Each callback receives its task's ID and the exact error
func TestTaskQueue_ResultDelivery(t *testing.T) {
	tm := NewThreadManager(nil)
	q, err := NewTaskQueue("results", 1, tm)
	if err != nil {
		t.Fatalf("NewTaskQueue failed: %v", err)
	}
	defer q.Shutdown(true, time.Second)

	taskErr := errors.New("device unreachable")
	results := make(chan error, 2)
	var okID, failID TaskID
	var gotOkID, gotFailID TaskID
	var mu sync.Mutex

	okID, _ = q.Submit(func(ctx context.Context) error { return nil },
		time.Second, func(id TaskID, err error) {
			mu.Lock()
			gotOkID = id
			mu.Unlock()
			results <- err
		})
	failID, _ = q.Submit(func(ctx context.Context) error { return taskErr },
		time.Second, func(id TaskID, err error) {
			mu.Lock()
			gotFailID = id
			mu.Unlock()
			results <- err
		})

	if err := <-results; err != nil {
		t.Fatalf("first task error = %v, want nil", err)
	}
	if err := <-results; !errors.Is(err, taskErr) {
		t.Fatalf("second task error = %v, want %v", err, taskErr)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOkID != okID || gotFailID != failID {
		t.Fatalf("callback IDs (%v, %v) do not match submitted IDs (%v, %v)",
			gotOkID, gotFailID, okID, failID)
	}
}

// TestTaskQueue_TimeoutAbandonsTask verifies the deadline-overrun path
// Given: A task that blocks far past its 50ms deadline
// When: The deadline expires
// Then: The callback receives a timeout error and the worker moves on to the next task
func TestTaskQueue_TimeoutAbandonsTask(t *testing.T) {
	tm := NewThreadManager(nil)
	q, err := NewTaskQueue("timeouts", 1, tm)
	if err != nil {
		t.Fatalf("NewTaskQueue failed: %v", err)
	}

	release := make(chan struct{})
	defer close(release)

	timeoutErr := make(chan error, 1)
	q.Submit(func(ctx context.Context) error {
		<-release
		return nil
	}, 50*time.Millisecond, func(id TaskID, err error) {
		timeoutErr <- err
	})

	nextRan := make(chan struct{})
	q.Submit(func(ctx context.Context) error {
		close(nextRan)
		return nil
	}, time.Second, nil)

	select {
	case err := <-timeoutErr:
		if !IsTimeout(err) {
			t.Fatalf("error = %v, want timeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout result not delivered")
	}

	select {
	case <-nextRan:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not continue after abandoning the task")
	}

	q.Shutdown(false, time.Second)
}

// TestTaskQueue_PanicConvertedToError verifies panic containment
// Given: A task that panics
// When: It executes
// Then: The callback receives a communication error and the worker survives
func TestTaskQueue_PanicConvertedToError(t *testing.T) {
	tm := NewThreadManager(nil)
	q, err := NewTaskQueue("panics", 1, tm)
	if err != nil {
		t.Fatalf("NewTaskQueue failed: %v", err)
	}
	defer q.Shutdown(true, time.Second)

	panicErr := make(chan error, 1)
	q.Submit(func(ctx context.Context) error {
		panic("task fault")
	}, time.Second, func(id TaskID, err error) {
		panicErr <- err
	})

	select {
	case err := <-panicErr:
		if !IsKind(err, KindCommunication) {
			t.Fatalf("error = %v, want communication error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic result not delivered")
	}

	// Worker is still alive.
	ran := make(chan struct{})
	q.Submit(func(ctx context.Context) error {
		close(ran)
		return nil
	}, time.Second, nil)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
}

// TestTaskQueue_ShutdownDrain verifies the draining shutdown
// Given: Several queued tasks
// When: Shutdown(drain=true) is called
// Then: Every task runs before the workers are joined
func TestTaskQueue_ShutdownDrain(t *testing.T) {
	tm := NewThreadManager(nil)
	q, err := NewTaskQueue("drain", 2, tm)
	if err != nil {
		t.Fatalf("NewTaskQueue failed: %v", err)
	}

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		q.Submit(func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}, time.Second, nil)
	}

	if err := q.Shutdown(true, 5*time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ran != 10 {
		t.Fatalf("ran = %d, want 10", ran)
	}
}

// TestTaskQueue_ShutdownDiscard verifies the non-draining shutdown
// Given: A busy worker and queued tasks behind it
// When: Shutdown(drain=false) is called
// Then: Queued tasks are reported cancelled and never execute
func TestTaskQueue_ShutdownDiscard(t *testing.T) {
	tm := NewThreadManager(nil)
	q, err := NewTaskQueue("discard", 1, tm)
	if err != nil {
		t.Fatalf("NewTaskQueue failed: %v", err)
	}

	blocking := make(chan struct{})
	started := make(chan struct{})
	q.Submit(func(ctx context.Context) error {
		close(started)
		select {
		case <-blocking:
		case <-ctx.Done():
		}
		return nil
	}, 0, nil)
	<-started

	cancelled := make(chan error, 1)
	executed := make(chan struct{}, 1)
	q.Submit(func(ctx context.Context) error {
		executed <- struct{}{}
		return nil
	}, time.Second, func(id TaskID, err error) {
		cancelled <- err
	})

	if err := q.Shutdown(false, time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	close(blocking)

	select {
	case err := <-cancelled:
		if !errors.Is(err, ErrTaskCancelled) {
			t.Fatalf("error = %v, want %v", err, ErrTaskCancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation not delivered")
	}

	select {
	case <-executed:
		t.Fatal("discarded task executed")
	default:
	}
}

// TestTaskQueue_SubmitAfterShutdown verifies the closed-queue contract
// Given: A queue that has been shut down
// When: Submit is called
// Then: A lifecycle error is returned synchronously
func TestTaskQueue_SubmitAfterShutdown(t *testing.T) {
	tm := NewThreadManager(nil)
	q, err := NewTaskQueue("closed", 1, tm)
	if err != nil {
		t.Fatalf("NewTaskQueue failed: %v", err)
	}
	q.Shutdown(true, time.Second)

	_, err = q.Submit(func(ctx context.Context) error { return nil }, time.Second, nil)

	if !IsKind(err, KindLifecycle) {
		t.Fatalf("error = %v, want lifecycle error", err)
	}
}

// TestTaskQueue_CallbackPanicContained verifies result-callback isolation
// Given: A result callback that panics
// When: Its task completes
// Then: The worker survives and executes subsequent tasks
func TestTaskQueue_CallbackPanicContained(t *testing.T) {
	tm := NewThreadManager(nil)
	q, err := NewTaskQueue("callbacks", 1, tm)
	if err != nil {
		t.Fatalf("NewTaskQueue failed: %v", err)
	}
	defer q.Shutdown(true, time.Second)

	q.Submit(func(ctx context.Context) error { return nil },
		time.Second, func(id TaskID, err error) {
			panic("callback fault")
		})

	ran := make(chan struct{})
	q.Submit(func(ctx context.Context) error {
		close(ran)
		return nil
	}, time.Second, nil)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the callback panic")
	}
}
