package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"time"

	"github.com/thtpm/floorlink/core"
)

// RTDE message types (one byte, printable on the wire).
const (
	rtdeRequestProtocolVersion = 0x56 // 'V'
	rtdeProtocolVersionReply   = 0x50 // 'P'
	rtdeControlSetupOutputs    = 0x4F // 'O'
	rtdeControlStart           = 0x53 // 'S'
	rtdeControlPause           = 0x50 // 'P'
	rtdeDataPackage            = 0x55 // 'U'
	rtdeTextMessage            = 0x62 // 'b'
)

// RTDEPort is the fixed port of the robot's real-time data exchange
// interface.
const RTDEPort = 30004

// rtdeOutputFrequency is the sample rate requested during SETUP_OUTPUTS.
// Irrelevant for a one-shot read, but the controller requires a value.
const rtdeOutputFrequency = 125

const rtdePoseVariable = "actual_TCP_pose"

// rtdeState tracks the handshake progression, retained in errors for
// diagnostics.
type rtdeState int

const (
	rtdeInit rtdeState = iota
	rtdeNegotiateV2
	rtdeStreamingV2
	rtdeNegotiateV1
	rtdeStreamingV1
	rtdeFailed
	rtdeClosed
)

func (s rtdeState) String() string {
	switch s {
	case rtdeInit:
		return "init"
	case rtdeNegotiateV2:
		return "negotiate_v2"
	case rtdeStreamingV2:
		return "streaming_v2"
	case rtdeNegotiateV1:
		return "negotiate_v1"
	case rtdeStreamingV1:
		return "streaming_v1"
	case rtdeFailed:
		return "failed"
	case rtdeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// rtdeClient performs one pose read against a UR-compatible RTDE server:
// version negotiation (v2 preferred, v1 fallback), output setup, stream
// start, a single DATA_PACKAGE, then pause and close. It owns its socket for
// the duration of the exchange and is used by exactly one goroutine.
//
// Frames are `uint16 length, byte type, payload` with the length covering
// the 3-byte header, all fields big-endian. TEXT_MESSAGE frames may arrive
// interleaved at any point; they are logged and skipped.
type rtdeClient struct {
	target  Target
	timeout time.Duration
	logger  core.Logger

	conn   net.Conn
	state  rtdeState
	recipe byte
}

func newRTDEClient(target Target, timeout time.Duration, logger core.Logger) *rtdeClient {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	return &rtdeClient{
		target:  target,
		timeout: timeout,
		logger:  logger,
		state:   rtdeInit,
	}
}

// ReadPose runs the full exchange and returns the 6-element TCP pose
// (x, y, z in meters, rx, ry, rz in radians).
func (c *rtdeClient) ReadPose() (pose [6]float64, err error) {
	defer func() {
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		if err == nil {
			c.state = rtdeClosed
		} else {
			c.state = rtdeFailed
		}
	}()

	if err = c.dial(); err != nil {
		return pose, err
	}
	if err = c.negotiate(); err != nil {
		return pose, err
	}
	if err = c.setupOutputs(); err != nil {
		return pose, err
	}
	if err = c.startStream(); err != nil {
		return pose, err
	}

	pose, err = c.readDataPackage()
	if err != nil {
		return pose, err
	}

	// Best effort: ask the controller to stop producing packages we will
	// never read.
	_ = c.sendFrame(rtdeControlPause, nil)

	c.logger.Info("rtde pose received", core.F("target", c.target.Addr()))
	return pose, nil
}

func (c *rtdeClient) dial() error {
	conn, err := net.DialTimeout("tcp", c.target.Addr(), c.timeout)
	if err != nil {
		return core.NewConnectionError("rtde.connect", c.target.Addr(), err)
	}
	c.conn = conn
	return nil
}

// negotiate requests protocol version 2 and falls back to version 1 on any
// failure to complete the v2 handshake: rejection, timeout and malformed
// replies all take the fallback path instead of raising. Only a failed v1
// negotiation is an error.
func (c *rtdeClient) negotiate() error {
	c.state = rtdeNegotiateV2
	accepted, err := c.requestVersion(2)
	if err == nil && accepted == 2 {
		c.state = rtdeStreamingV2
		return nil
	}
	if err != nil {
		c.logger.Warn("rtde v2 negotiation failed, falling back to v1",
			core.F("target", c.target.Addr()), core.F("error", err))
		// The connection state is ambiguous after a failed exchange;
		// renegotiate on a fresh socket.
		c.conn.Close()
		if dialErr := c.dial(); dialErr != nil {
			return dialErr
		}
	} else {
		c.logger.Warn("rtde v2 rejected by controller",
			core.F("target", c.target.Addr()), core.F("accepted", accepted))
	}

	c.state = rtdeNegotiateV1
	accepted, err = c.requestVersion(1)
	if err != nil {
		return err
	}
	if accepted != 1 {
		return c.protocolErr(fmt.Errorf("protocol version not accepted (server offered %d)", accepted))
	}
	c.state = rtdeStreamingV1
	return nil
}

func (c *rtdeClient) requestVersion(version uint16) (uint16, error) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, version)
	if err := c.sendFrame(rtdeRequestProtocolVersion, payload); err != nil {
		return 0, err
	}

	msgType, reply, err := c.recvNonText()
	if err != nil {
		return 0, err
	}
	if msgType != rtdeProtocolVersionReply {
		return 0, c.unexpected(rtdeProtocolVersionReply, msgType, "during version handshake")
	}
	if len(reply) < 2 {
		return 0, c.protocolErr(fmt.Errorf("version reply too short (%d bytes)", len(reply)))
	}
	return binary.BigEndian.Uint16(reply[:2]), nil
}

// setupOutputs subscribes to actual_TCP_pose and records the recipe id the
// controller assigns to the subscription.
func (c *rtdeClient) setupOutputs() error {
	variable := []byte(rtdePoseVariable)
	payload := make([]byte, 4+len(variable))
	binary.BigEndian.PutUint16(payload[0:2], rtdeOutputFrequency)
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(variable)))
	copy(payload[4:], variable)

	if err := c.sendFrame(rtdeControlSetupOutputs, payload); err != nil {
		return err
	}

	msgType, reply, err := c.recvNonText()
	if err != nil {
		return err
	}
	if msgType != rtdeControlSetupOutputs || len(reply) < 2 {
		return c.unexpected(rtdeControlSetupOutputs, msgType, "during SETUP_OUTPUTS")
	}
	if reply[0] != 1 {
		return c.protocolErr(fmt.Errorf("SETUP_OUTPUTS rejected for %q", rtdePoseVariable))
	}
	c.recipe = reply[1]
	return nil
}

func (c *rtdeClient) startStream() error {
	if err := c.sendFrame(rtdeControlStart, nil); err != nil {
		return err
	}
	msgType, reply, err := c.recvNonText()
	if err != nil {
		return err
	}
	if msgType != rtdeControlStart || len(reply) < 1 || reply[0] != 1 {
		return c.unexpected(rtdeControlStart, msgType, "during START")
	}
	return nil
}

// readDataPackage decodes one DATA_PACKAGE: recipe byte followed by six
// big-endian IEEE-754 doubles.
func (c *rtdeClient) readDataPackage() (pose [6]float64, err error) {
	msgType, payload, err := c.recvNonText()
	if err != nil {
		return pose, err
	}
	if msgType != rtdeDataPackage {
		return pose, c.unexpected(rtdeDataPackage, msgType, "while waiting for DATA_PACKAGE")
	}
	if len(payload) < 1+6*8 {
		return pose, c.protocolErr(fmt.Errorf("DATA_PACKAGE too short (%d bytes)", len(payload)))
	}
	if payload[0] != c.recipe {
		return pose, c.protocolErr(fmt.Errorf("recipe mismatch: expected %d, got %d", c.recipe, payload[0]))
	}
	for i := 0; i < 6; i++ {
		bits := binary.BigEndian.Uint64(payload[1+i*8 : 9+i*8])
		pose[i] = math.Float64frombits(bits)
	}
	return pose, nil
}

// sendFrame writes one frame. The length field covers the 3-byte header.
func (c *rtdeClient) sendFrame(msgType byte, payload []byte) error {
	frame := make([]byte, 3+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(payload)+3))
	frame[2] = msgType
	copy(frame[3:], payload)

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return core.NewConnectionError(c.op(), c.target.Addr(), err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return c.ioErr(err, "writing frame")
	}
	return nil
}

// recvFrame reads one frame header and payload.
func (c *rtdeClient) recvFrame() (byte, []byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, nil, core.NewConnectionError(c.op(), c.target.Addr(), err)
	}

	header := make([]byte, 3)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return 0, nil, c.ioErr(err, "reading frame header")
	}
	length := binary.BigEndian.Uint16(header[0:2])
	msgType := header[2]
	if length < 3 {
		return 0, nil, c.protocolErr(fmt.Errorf("implausible frame length %d", length))
	}

	payload := make([]byte, length-3)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, c.ioErr(err, "reading frame payload")
	}
	return msgType, payload, nil
}

// recvNonText returns the next frame that is not a TEXT_MESSAGE.
func (c *rtdeClient) recvNonText() (byte, []byte, error) {
	for {
		msgType, payload, err := c.recvFrame()
		if err != nil {
			return 0, nil, err
		}
		if msgType == rtdeTextMessage {
			c.logger.Info("rtde text message",
				core.F("target", c.target.Addr()), core.F("text", string(payload)))
			continue
		}
		return msgType, payload, nil
	}
}

// op names the current handshake phase for error context.
func (c *rtdeClient) op() string { return "rtde." + c.state.String() }

func (c *rtdeClient) ioErr(err error, context string) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return core.NewTimeoutError(c.op(), c.target.Addr(),
			fmt.Errorf("%s: no data within %v", context, c.timeout))
	}
	return core.NewCommunicationError(c.op(), c.target.Addr(),
		fmt.Errorf("%s: %w", context, err))
}

func (c *rtdeClient) protocolErr(cause error) error {
	return core.NewProtocolError(c.op(), c.target.Addr(), cause)
}

func (c *rtdeClient) unexpected(expected, got byte, context string) error {
	return c.protocolErr(fmt.Errorf("expected 0x%02X, got 0x%02X %s", expected, got, context))
}
