package device

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/thtpm/floorlink/core"
)

const defaultCobotTimeout = 10 * time.Second

// CobotCommunicator pushes commands and position data directly to the cobot
// controller. Every send uses its own short-lived connection: dial, one
// message, optionally one acknowledgement, close. There is no session to
// corrupt and no automatic retry; a failed send is reported once and the
// decision to repeat it stays with the operator.
type CobotCommunicator struct {
	target  Target
	timeout time.Duration
	logger  core.Logger
	metrics core.Metrics
}

// CobotOption configures a CobotCommunicator.
type CobotOption func(*CobotCommunicator)

// WithCobotTimeout bounds each dial and exchange (default 10s).
func WithCobotTimeout(d time.Duration) CobotOption {
	return func(c *CobotCommunicator) { c.timeout = d }
}

// WithCobotLogger sets the diagnostic logger.
func WithCobotLogger(logger core.Logger) CobotOption {
	return func(c *CobotCommunicator) { c.logger = logger }
}

// WithCobotMetrics sets the metrics sink for command outcomes.
func WithCobotMetrics(metrics core.Metrics) CobotOption {
	return func(c *CobotCommunicator) { c.metrics = metrics }
}

// NewCobotCommunicator creates a communicator for target. Nothing is dialed
// until the first send.
func NewCobotCommunicator(target Target, opts ...CobotOption) *CobotCommunicator {
	c := &CobotCommunicator{
		target:  target,
		timeout: defaultCobotTimeout,
		logger:  core.NewNoOpLogger(),
		metrics: &core.NilMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Target returns the endpoint this communicator talks to.
func (c *CobotCommunicator) Target() Target { return c.target }

// SendPositionData transmits a set of named positions as JSON and waits for
// the controller's acknowledgement.
func (c *CobotCommunicator) SendPositionData(positions map[string]any) error {
	if len(positions) == 0 {
		return core.NewValidationError("cobot.send_position_data",
			fmt.Errorf("no positions given"))
	}
	data, err := json.Marshal(positions)
	if err != nil {
		return core.NewValidationError("cobot.send_position_data",
			fmt.Errorf("positions not encodable: %w", err))
	}

	reply, err := c.exchange("send_position_data", "POSITION_DATA:"+string(data), true)
	if err != nil {
		return err
	}
	if reply != "POSITIONS_RECEIVED" {
		return core.NewProtocolError("cobot.send_position_data", c.target.Addr(),
			fmt.Errorf("unexpected acknowledgement %q", reply))
	}
	return nil
}

// StartProgram asks the controller to start the named program.
func (c *CobotCommunicator) StartProgram(programName string) error {
	if programName == "" || strings.ContainsAny(programName, "\r\n") {
		return core.NewValidationError("cobot.start_program",
			fmt.Errorf("invalid program name %q", programName))
	}

	reply, err := c.exchange("start_program", "START_PROGRAM:"+programName, true)
	if err != nil {
		return err
	}
	if reply != "PROGRAM_STARTED" {
		return core.NewProtocolError("cobot.start_program", c.target.Addr(),
			fmt.Errorf("program %q not started: %q", programName, reply))
	}
	return nil
}

// Status returns the controller's current status string.
func (c *CobotCommunicator) Status() (string, error) {
	reply, err := c.exchange("get_status", "GET_STATUS", true)
	if err != nil {
		return "", err
	}
	status, ok := strings.CutPrefix(reply, "STATUS:")
	if !ok {
		return "", core.NewProtocolError("cobot.get_status", c.target.Addr(),
			fmt.Errorf("expected prefix %q, got %q", "STATUS:", reply))
	}
	return status, nil
}

// Send transmits a raw message. With expectAck it returns the controller's
// reply line; without, it returns "" as soon as the write completes.
func (c *CobotCommunicator) Send(message string, expectAck bool) (string, error) {
	if strings.ContainsAny(message, "\r\n") {
		return "", core.NewValidationError("cobot.send",
			fmt.Errorf("message must not contain line breaks"))
	}
	return c.exchange("send", message, expectAck)
}

// exchange performs one dial-send-receive cycle under the configured timeout.
func (c *CobotCommunicator) exchange(op, message string, expectAck bool) (reply string, err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordCommand("cobot", op, core.CommandOutcome(err), time.Since(start))
	}()

	conn, err := net.DialTimeout("tcp", c.target.Addr(), c.timeout)
	if err != nil {
		return "", core.NewConnectionError("cobot."+op, c.target.Addr(), err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", core.NewConnectionError("cobot."+op, c.target.Addr(), err)
	}
	if _, err := conn.Write([]byte(message + "\n")); err != nil {
		return "", core.NewCommunicationError("cobot."+op, c.target.Addr(), err)
	}
	if !expectAck {
		c.logger.Debug("cobot message sent", core.F("op", op))
		return "", nil
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", core.NewTimeoutError("cobot."+op, c.target.Addr(),
				fmt.Errorf("no acknowledgement within %v", c.timeout))
		}
		return "", core.NewProtocolError("cobot."+op, c.target.Addr(),
			fmt.Errorf("incomplete acknowledgement: %w", err))
	}

	reply = strings.TrimRight(line, "\r\n")
	c.logger.Debug("cobot exchange", core.F("op", op), core.F("reply", reply))
	return reply, nil
}
