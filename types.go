package floorlink

import (
	"github.com/thtpm/floorlink/core"
	"github.com/thtpm/floorlink/device"
)

// Re-export commonly used types from the core and device packages for
// convenience. This allows users to import only the floorlink package for
// most use cases.

// ThreadManager supervises named background threads.
type ThreadManager = core.ThreadManager

// ThreadState describes the lifecycle position of a managed thread.
type ThreadState = core.ThreadState

// SafeTimer runs a callback repeatedly without overlapping invocations.
type SafeTimer = core.SafeTimer

// TaskQueue is the FIFO work queue backed by a fixed worker pool.
type TaskQueue = core.TaskQueue

// TaskID identifies one submitted task.
type TaskID = core.TaskID

// Operation is the unit of work executed on a worker thread.
type Operation = core.Operation

// ResultCallback receives the outcome of a task.
type ResultCallback = core.ResultCallback

// Logger is the structured logging seam shared by all components.
type Logger = core.Logger

// Field is one structured logging key-value pair.
type Field = core.Field

// Error is the typed error shared by all components.
type Error = core.Error

// ErrorKind classifies an Error.
type ErrorKind = core.ErrorKind

// Thread state constants.
const (
	ThreadStarting = core.ThreadStarting
	ThreadRunning  = core.ThreadRunning
	ThreadStopping = core.ThreadStopping
	ThreadStopped  = core.ThreadStopped
	ThreadFailed   = core.ThreadFailed
)

// Error kind constants.
const (
	KindValidation    = core.KindValidation
	KindConnection    = core.KindConnection
	KindTimeout       = core.KindTimeout
	KindProtocol      = core.KindProtocol
	KindLifecycle     = core.KindLifecycle
	KindCommunication = core.KindCommunication
)

// Convenience constructors and helpers.
var (
	NewThreadManager = core.NewThreadManager
	NewSafeTimer     = core.NewSafeTimer
	NewTaskQueue     = core.NewTaskQueue
	NewDefaultLogger = core.NewDefaultLogger
	NewNoOpLogger    = core.NewNoOpLogger
	F                = core.F
	IsTimeout        = core.IsTimeout
	IsConnection     = core.IsConnection
	IsProtocol       = core.IsProtocol
)

// Target is a validated host/port pair.
type Target = device.Target

// NewTarget validates host and port before any socket is opened.
var NewTarget = device.NewTarget

// Pose is the robot tool pose at capture time.
type Pose = device.Pose

// LimaClient is the request/response client for the LIMA vision unit.
type LimaClient = device.LimaClient

// RobotCommunicator provides the high-level robot operations.
type RobotCommunicator = device.RobotCommunicator

// ListenerMode accepts inbound TCP connections and forwards messages.
type ListenerMode = device.ListenerMode

// CobotCommunicator pushes commands directly to the cobot controller.
type CobotCommunicator = device.CobotCommunicator

// PersistenceSink receives measurement results for storage.
type PersistenceSink = device.PersistenceSink
