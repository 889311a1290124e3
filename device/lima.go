package device

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/thtpm/floorlink/core"
)

const defaultLimaTimeout = 5 * time.Second

// LimaClient is the low-level request/response client for the LIMA vision
// unit.
//
// Wire format: requests and replies are newline-delimited UTF-8 text, one
// command per connection round-trip. The delimiter is part of this client's
// protocol contract; LIMA replies that never produce a full line are treated
// as timeouts, truncated replies as protocol errors.
//
// Concurrency: all operations on one client are mutually exclusive so the
// request/response pairing on the single connection stays unambiguous. On a
// connection or protocol error the session is torn down; the next
// SendCommand reconnects instead of reusing a socket the client suspects is
// broken.
type LimaClient struct {
	mu      sync.Mutex
	target  Target
	timeout time.Duration
	logger  core.Logger
	metrics core.Metrics

	conn   net.Conn
	reader *bufio.Reader
}

// LimaOption configures a LimaClient.
type LimaOption func(*LimaClient)

// WithLimaTimeout sets the connect and read deadline (default 5s).
func WithLimaTimeout(d time.Duration) LimaOption {
	return func(c *LimaClient) { c.timeout = d }
}

// WithLimaLogger sets the diagnostic logger.
func WithLimaLogger(logger core.Logger) LimaOption {
	return func(c *LimaClient) { c.logger = logger }
}

// WithLimaMetrics sets the metrics sink for command outcomes.
func WithLimaMetrics(metrics core.Metrics) LimaOption {
	return func(c *LimaClient) { c.metrics = metrics }
}

// NewLimaClient creates a client for target. No connection is opened until
// Connect or the first SendCommand.
func NewLimaClient(target Target, opts ...LimaOption) *LimaClient {
	c := &LimaClient{
		target:  target,
		timeout: defaultLimaTimeout,
		logger:  core.NewNoOpLogger(),
		metrics: &core.NilMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the session. Calling Connect on a connected client is a
// no-op.
func (c *LimaClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *LimaClient) connectLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", c.target.Addr(), c.timeout)
	if err != nil {
		return core.NewConnectionError("lima.connect", c.target.Addr(), err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.logger.Debug("lima connected", core.F("target", c.target.Addr()))
	return nil
}

// SendCommand writes one framed command and blocks for the framed reply
// within the read deadline. The trailing newline of the reply is stripped.
func (c *LimaClient) SendCommand(command string) (string, error) {
	start := time.Now()
	response, err := c.sendCommand(command)
	c.metrics.RecordCommand("lima", commandName(command), core.CommandOutcome(err), time.Since(start))
	return response, err
}

func (c *LimaClient) sendCommand(command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.ContainsAny(command, "\r\n") {
		return "", core.NewValidationError("lima.send_command",
			fmt.Errorf("command must not contain line breaks"))
	}

	if err := c.connectLocked(); err != nil {
		return "", err
	}

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.teardownLocked()
		return "", core.NewConnectionError("lima.send_command", c.target.Addr(), err)
	}

	if _, err := c.conn.Write([]byte(command + "\n")); err != nil {
		c.teardownLocked()
		return "", c.classify("lima.send_command", err)
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.teardownLocked()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", core.NewTimeoutError("lima.send_command", c.target.Addr(),
				fmt.Errorf("no reply to %q within %v", commandName(command), c.timeout))
		}
		// Connection closed mid-frame: the reply is unusable.
		return "", core.NewProtocolError("lima.send_command", c.target.Addr(),
			fmt.Errorf("incomplete frame for %q: %w", commandName(command), err))
	}

	response := strings.TrimRight(line, "\r\n")
	c.logger.Debug("lima command",
		core.F("command", commandName(command)), core.F("response", response))
	return response, nil
}

// TestConnection reports whether LIMA currently accepts connections. It uses
// its own short-lived socket and never touches the session.
func (c *LimaClient) TestConnection() bool {
	conn, err := net.DialTimeout("tcp", c.target.Addr(), c.timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Connected reports whether a session is currently open.
func (c *LimaClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Target returns the endpoint this client talks to.
func (c *LimaClient) Target() Target { return c.target }

// Close tears down the session. Safe to call repeatedly.
func (c *LimaClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	return nil
}

func (c *LimaClient) teardownLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// classify distinguishes deadline misses from other socket failures on the
// write path.
func (c *LimaClient) classify(op string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return core.NewTimeoutError(op, c.target.Addr(), err)
	}
	return core.NewConnectionError(op, c.target.Addr(), err)
}

// commandName strips the argument part of a command for logs and metric
// labels, keeping label cardinality bounded.
func commandName(command string) string {
	if i := strings.IndexByte(command, ':'); i >= 0 {
		return command[:i]
	}
	return command
}
