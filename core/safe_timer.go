package core

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// SafeTimer: Non-overlapping repeating execution
// =============================================================================

// SafeTimer runs a callback repeatedly on a dedicated goroutine without ever
// letting two invocations overlap. The next tick is scheduled relative to the
// completion of the previous invocation, not to a fixed schedule: a callback
// that runs longer than the interval drops ticks instead of queueing them.
//
// Drift from long-running callbacks is accepted. This trades periodicity for
// the guarantee that the resources the callback touches are never accessed
// concurrently by the timer itself.
type SafeTimer struct {
	mu       sync.Mutex
	callback func()
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	logger   Logger
}

// NewSafeTimer creates a stopped timer for callback. Panics inside the
// callback are recovered and logged; they stop neither the timer nor the
// caller. A nil logger falls back to NoOpLogger.
func NewSafeTimer(callback func(), logger Logger) *SafeTimer {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &SafeTimer{callback: callback, logger: logger}
}

// Start begins repeating execution with the given interval. The first
// invocation happens one interval after Start. Starting a running timer is a
// lifecycle error.
func (t *SafeTimer) Start(interval time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return NewLifecycleError("safetimer.start", ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	t.interval = interval
	t.running = true

	go t.loop(ctx, interval)
	return nil
}

// Stop halts the timer. It is idempotent and blocks until any in-flight
// invocation has completed, so callers may tear down resources the callback
// touches immediately afterwards.
func (t *SafeTimer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	done := t.done
	t.mu.Unlock()

	cancel()
	<-done
}

// Restart stops the timer if running and starts it again with a new interval.
func (t *SafeTimer) Restart(interval time.Duration) error {
	t.Stop()
	return t.Start(interval)
}

// Running reports whether the timer is currently scheduled.
func (t *SafeTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// loop owns the timer goroutine. Executing the callback inline between timer
// resets is what makes overlap impossible.
func (t *SafeTimer) loop(ctx context.Context, interval time.Duration) {
	defer close(t.done)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.invoke()
			// Reset after completion so a slow callback delays the next
			// tick instead of stacking invocations.
			timer.Reset(interval)
		}
	}
}

func (t *SafeTimer) invoke() {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("timer callback panicked", F("panic", rec))
		}
	}()
	t.callback()
}
