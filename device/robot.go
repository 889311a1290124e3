package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/thtpm/floorlink/core"
)

const defaultRTDETimeout = 5 * time.Second

// Pose is the robot tool-center-point pose at capture time: position in
// meters, orientation in radians. Immutable once produced.
type Pose struct {
	X, Y, Z    float64
	RX, RY, RZ float64
	CapturedAt time.Time
}

// Vector returns the pose as the ordered 6-tuple (x, y, z, rx, ry, rz).
func (p Pose) Vector() [6]float64 {
	return [6]float64{p.X, p.Y, p.Z, p.RX, p.RY, p.RZ}
}

func (p Pose) String() string {
	return fmt.Sprintf("[%.4f, %.4f, %.4f, %.4f, %.4f, %.4f]",
		p.X, p.Y, p.Z, p.RX, p.RY, p.RZ)
}

// PersistenceSink receives measurement results for storage alongside the
// product record. Implementations live outside this package; a nil sink
// disables persistence.
type PersistenceSink interface {
	StorePose(pose Pose) error
	StoreField(field, value string) error
}

// RobotCommunicator provides the high-level robot operations: autofocus and
// measurement commands passed through the LIMA unit, and tool pose retrieval
// over the robot's own RTDE interface. Each successful measurement is handed
// to the persistence sink before it is returned.
//
// All operations block; the async variants submit the same operations through
// a task queue so interactive callers never wait on a socket.
type RobotCommunicator struct {
	lima    *LimaClient
	rtde    Target
	timeout time.Duration
	logger  core.Logger
	metrics core.Metrics
	sink    PersistenceSink
	queue   *core.TaskQueue
}

// RobotOption configures a RobotCommunicator.
type RobotOption func(*RobotCommunicator)

// WithRTDETimeout bounds every RTDE dial, read and write (default 5s).
func WithRTDETimeout(d time.Duration) RobotOption {
	return func(r *RobotCommunicator) { r.timeout = d }
}

// WithRobotLogger sets the diagnostic logger.
func WithRobotLogger(logger core.Logger) RobotOption {
	return func(r *RobotCommunicator) { r.logger = logger }
}

// WithRobotMetrics sets the metrics sink for command outcomes.
func WithRobotMetrics(metrics core.Metrics) RobotOption {
	return func(r *RobotCommunicator) { r.metrics = metrics }
}

// WithPersistence sets the sink that receives poses and measurement fields.
func WithPersistence(sink PersistenceSink) RobotOption {
	return func(r *RobotCommunicator) { r.sink = sink }
}

// WithRobotQueue enables the async operation variants, which submit through
// queue and deliver their results via callback on a worker thread.
func WithRobotQueue(queue *core.TaskQueue) RobotOption {
	return func(r *RobotCommunicator) { r.queue = queue }
}

// WithRTDEEndpoint overrides the default host:30004 RTDE endpoint. Needed for
// simulators that expose RTDE on a nonstandard port.
func WithRTDEEndpoint(target Target) RobotOption {
	return func(r *RobotCommunicator) { r.rtde = target }
}

// NewRobotCommunicator wires the communicator to an existing LIMA client and
// the robot controller host. The RTDE endpoint is always port 30004 on that
// host.
func NewRobotCommunicator(lima *LimaClient, robotHost string, opts ...RobotOption) (*RobotCommunicator, error) {
	rtde, err := NewTarget(robotHost, RTDEPort)
	if err != nil {
		return nil, err
	}
	r := &RobotCommunicator{
		lima:    lima,
		rtde:    rtde,
		timeout: defaultRTDETimeout,
		logger:  core.NewNoOpLogger(),
		metrics: &core.NilMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// =============================================================================
// LIMA passthrough operations
// =============================================================================

// StartAutofocus starts the autofocus routine on the vision unit.
func (r *RobotCommunicator) StartAutofocus() error {
	return r.expect("START_AUTOFOCUS", "AUTOFOCUS_STARTED")
}

// SendTrigger fires one measurement trigger.
func (r *RobotCommunicator) SendTrigger() error {
	return r.expect("SEND_TRIGGER", "TRIGGER_SENT")
}

// GetFocusValue returns the current focus value as reported by LIMA.
func (r *RobotCommunicator) GetFocusValue() (string, error) {
	return r.query("GET_FOCUS_VALUE", "FOCUS_VALUE:")
}

// GetAFValue reads one named autofocus measurement field and hands the
// result to the persistence sink.
func (r *RobotCommunicator) GetAFValue(field string) (string, error) {
	if field == "" {
		return "", core.NewValidationError("robot.get_af_value",
			fmt.Errorf("empty field name"))
	}
	value, err := r.query("GET_AF_VALUE:"+field, "AF_VALUE:")
	if err != nil {
		return "", err
	}
	if r.sink != nil {
		if err := r.sink.StoreField(field, value); err != nil {
			r.logger.Error("persisting measurement field failed",
				core.F("field", field), core.F("error", err))
		}
	}
	return value, nil
}

// GetAFOriginXYZ returns the autofocus origin coordinates.
func (r *RobotCommunicator) GetAFOriginXYZ() ([3]float64, error) {
	return r.queryTriple("GET_AF_ORIGIN_XYZ", "AF_ORIGIN_XYZ:")
}

// GetCurrentPosition returns the current position as reported by LIMA.
func (r *RobotCommunicator) GetCurrentPosition() ([3]float64, error) {
	return r.queryTriple("GET_CURRENT_POSITION", "CURRENT_POSITION:")
}

// GetProductInfo fetches the product record LIMA holds for productNumber.
// The reply carries a JSON document after the prefix.
func (r *RobotCommunicator) GetProductInfo(productNumber string) (map[string]any, error) {
	if productNumber == "" {
		return nil, core.NewValidationError("robot.get_product_info",
			fmt.Errorf("empty product number"))
	}
	raw, err := r.query("GET_PRODUCT_INFO:"+productNumber, "PRODUCT_INFO:")
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return nil, core.NewProtocolError("robot.get_product_info", r.lima.Target().Addr(),
			fmt.Errorf("malformed product info: %w", err))
	}
	return info, nil
}

// expect sends command and demands the exact reply want.
func (r *RobotCommunicator) expect(command, want string) error {
	response, err := r.lima.SendCommand(command)
	if err != nil {
		return err
	}
	if response != want {
		return core.NewProtocolError("robot."+strings.ToLower(commandName(command)),
			r.lima.Target().Addr(),
			fmt.Errorf("expected %q, got %q", want, response))
	}
	return nil
}

// query sends command and strips the expected reply prefix.
func (r *RobotCommunicator) query(command, prefix string) (string, error) {
	response, err := r.lima.SendCommand(command)
	if err != nil {
		return "", err
	}
	value, ok := strings.CutPrefix(response, prefix)
	if !ok {
		return "", core.NewProtocolError("robot."+strings.ToLower(commandName(command)),
			r.lima.Target().Addr(),
			fmt.Errorf("expected prefix %q, got %q", prefix, response))
	}
	return value, nil
}

// queryTriple parses replies of the form "PREFIX:x,y,z".
func (r *RobotCommunicator) queryTriple(command, prefix string) ([3]float64, error) {
	var coords [3]float64
	value, err := r.query(command, prefix)
	if err != nil {
		return coords, err
	}
	parts := strings.Split(value, ",")
	if len(parts) != 3 {
		return coords, core.NewProtocolError("robot."+strings.ToLower(commandName(command)),
			r.lima.Target().Addr(),
			fmt.Errorf("expected 3 coordinates, got %d in %q", len(parts), value))
	}
	for i, part := range parts {
		coords[i], err = strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return coords, core.NewProtocolError("robot."+strings.ToLower(commandName(command)),
				r.lima.Target().Addr(),
				fmt.Errorf("coordinate %d in %q: %w", i, value, err))
		}
	}
	return coords, nil
}

// =============================================================================
// RTDE pose retrieval
// =============================================================================

// GetPose fetches the current tool pose over the robot's RTDE interface. The
// exchange uses its own short-lived connection and never touches the LIMA
// session. On success the stamped pose is handed to the persistence sink.
func (r *RobotCommunicator) GetPose() (Pose, error) {
	start := time.Now()
	vec, err := newRTDEClient(r.rtde, r.timeout, r.logger).ReadPose()
	r.metrics.RecordCommand("rtde", "get_pose", core.CommandOutcome(err), time.Since(start))
	if err != nil {
		return Pose{}, err
	}

	pose := Pose{
		X: vec[0], Y: vec[1], Z: vec[2],
		RX: vec[3], RY: vec[4], RZ: vec[5],
		CapturedAt: time.Now(),
	}
	if r.sink != nil {
		if err := r.sink.StorePose(pose); err != nil {
			r.logger.Error("persisting pose failed",
				core.F("pose", pose.String()), core.F("error", err))
		}
	}
	return pose, nil
}

// =============================================================================
// Async variants
// =============================================================================

// GetPoseAsync fetches the pose on a worker thread. onResult runs on that
// worker; on error the pose is the zero value.
func (r *RobotCommunicator) GetPoseAsync(timeout time.Duration, onResult func(Pose, error)) (core.TaskID, error) {
	var pose Pose
	return r.submit("robot.get_pose_async", func(ctx context.Context) error {
		p, err := r.GetPose()
		if err != nil {
			return err
		}
		pose = p
		return nil
	}, timeout, func(err error) {
		if err != nil {
			onResult(Pose{}, err)
			return
		}
		onResult(pose, nil)
	})
}

// StartAutofocusAsync runs StartAutofocus on a worker thread.
func (r *RobotCommunicator) StartAutofocusAsync(timeout time.Duration, onResult func(error)) (core.TaskID, error) {
	return r.submit("robot.start_autofocus_async", func(ctx context.Context) error {
		return r.StartAutofocus()
	}, timeout, onResult)
}

// SendTriggerAsync runs SendTrigger on a worker thread.
func (r *RobotCommunicator) SendTriggerAsync(timeout time.Duration, onResult func(error)) (core.TaskID, error) {
	return r.submit("robot.send_trigger_async", func(ctx context.Context) error {
		return r.SendTrigger()
	}, timeout, onResult)
}

// GetCurrentPositionAsync runs GetCurrentPosition on a worker thread. On
// error the coordinates are zero.
func (r *RobotCommunicator) GetCurrentPositionAsync(timeout time.Duration, onResult func([3]float64, error)) (core.TaskID, error) {
	var coords [3]float64
	return r.submit("robot.get_current_position_async", func(ctx context.Context) error {
		c, err := r.GetCurrentPosition()
		if err != nil {
			return err
		}
		coords = c
		return nil
	}, timeout, func(err error) {
		if err != nil {
			onResult([3]float64{}, err)
			return
		}
		onResult(coords, nil)
	})
}

// submit routes an operation through the task queue. Reading closure state in
// the callback is safe only on success, when the operation has completed
// before the result is delivered.
func (r *RobotCommunicator) submit(op string, fn core.Operation, timeout time.Duration, onResult func(error)) (core.TaskID, error) {
	if r.queue == nil {
		return core.TaskID{}, core.NewLifecycleError(op,
			fmt.Errorf("no task queue configured"))
	}
	return r.queue.Submit(fn, timeout, func(_ core.TaskID, err error) {
		if onResult != nil {
			onResult(err)
		}
	})
}
