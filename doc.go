// Package floorlink is the device-communication and concurrency core for the
// production line: socket clients for the LIMA vision unit and the cobot, the
// RTDE one-shot pose protocol with version fallback, an inbound TCP listener,
// and the thread-safety primitives that keep blocking network I/O off the
// interactive thread.
//
// # Quick Start
//
// Create the concurrency substrate once at application startup:
//
//	tm := core.NewThreadManager(logger)
//	queue, _ := core.NewTaskQueue("device-io", 2, tm)
//	defer queue.Shutdown(true, 5*time.Second)
//
// Wire the device endpoints with validated targets:
//
//	target, _ := device.NewTarget("10.3.218.3", 33020)
//	lima := device.NewLimaClient(target, device.WithLimaLogger(logger))
//	robot, _ := device.NewRobotCommunicator(lima, "10.3.218.3",
//		device.WithRobotQueue(queue))
//
// Blocking operations run on the queue's workers; interactive callers use the
// async variants and receive results through callbacks:
//
//	robot.GetPoseAsync(5*time.Second, func(pose device.Pose, err error) {
//		// runs on a worker thread
//	})
//
// # Key Concepts
//
// ThreadManager: supervisor for named background threads. Cancellation is
// always cooperative; a thread that ignores it is marked failed, never
// force-killed.
//
// TaskQueue: FIFO work queue with a fixed worker pool. Submission never
// blocks, every task carries a deadline, and an overrunning task is abandoned
// with a timeout error instead of stalling its worker.
//
// SafeTimer: repeating callback whose next tick is scheduled after the
// previous invocation completes, so invocations never overlap.
//
// Device endpoints: every client owns its socket exclusively, serializes its
// operations, and tears down any session it suspects is broken rather than
// reusing it. Errors are typed (core.Error with a Kind) and delivered through
// return values or result callbacks, never by killing a worker.
package floorlink
