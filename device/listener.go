package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/thtpm/floorlink/core"
)

const (
	listenerThread      = "listener-accept"
	listenerAck         = "MESSAGE_RECEIVED"
	listenerJoinTimeout = 5 * time.Second

	// How long a client read may block before the handler re-checks for
	// shutdown.
	listenerPollInterval = time.Second
)

// MessageHandler receives one inbound message together with the sender's
// remote address. It is invoked on a connection-handler goroutine.
type MessageHandler func(message, source string)

// ListenerMode accepts inbound TCP connections and forwards every
// newline-delimited message to a registered handler, acknowledging each with
// "MESSAGE_RECEIVED". The accept loop runs on a thread owned by the
// ThreadManager; a failing peer is logged and dropped without disturbing the
// loop or other connections.
//
// Stop joins the accept loop before returning, so the port is immediately
// rebindable.
type ListenerMode struct {
	tm      *core.ThreadManager
	logger  core.Logger
	timeout time.Duration
	peer    *Target

	mu       sync.Mutex
	listener net.Listener
	handler  MessageHandler
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// ListenerOption configures a ListenerMode.
type ListenerOption func(*ListenerMode)

// WithListenerLogger sets the diagnostic logger.
func WithListenerLogger(logger core.Logger) ListenerOption {
	return func(l *ListenerMode) { l.logger = logger }
}

// WithListenerTimeout bounds outbound SendMessage exchanges (default 5s).
func WithListenerTimeout(d time.Duration) ListenerOption {
	return func(l *ListenerMode) { l.timeout = d }
}

// WithListenerPeer configures the counterpart endpoint used by SendMessage.
func WithListenerPeer(peer Target) ListenerOption {
	return func(l *ListenerMode) { l.peer = &peer }
}

// NewListenerMode creates a stopped listener whose accept loop will be owned
// by tm.
func NewListenerMode(tm *core.ThreadManager, opts ...ListenerOption) *ListenerMode {
	l := &ListenerMode{
		tm:      tm,
		logger:  core.NewNoOpLogger(),
		timeout: 5 * time.Second,
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start binds port and begins accepting connections. Starting a listening
// instance is a lifecycle error.
func (l *ListenerMode) Start(port int, handler MessageHandler) error {
	if handler == nil {
		return core.NewValidationError("listener.start", fmt.Errorf("nil message handler"))
	}
	if port < 1 || port > 65535 {
		return core.NewValidationError("listener.start", fmt.Errorf("port %d out of range", port))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return core.NewLifecycleError("listener.start", core.ErrAlreadyRunning)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return core.NewConnectionError("listener.start", fmt.Sprintf(":%d", port), err)
	}

	l.listener = ln
	l.handler = handler

	if err := l.tm.Start(listenerThread, l.acceptLoop); err != nil {
		ln.Close()
		l.listener = nil
		return err
	}

	l.logger.Info("listener started", core.F("addr", ln.Addr().String()))
	return nil
}

// Stop closes the listening socket, joins the accept loop and tears down all
// client connections. Idempotent; when Stop returns the port is free.
func (l *ListenerMode) Stop() error {
	l.mu.Lock()
	ln := l.listener
	l.listener = nil
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	if ln == nil {
		return nil
	}
	ln.Close()

	stopped, err := l.tm.Stop(listenerThread, listenerJoinTimeout)
	l.wg.Wait()
	if err != nil {
		return err
	}
	if !stopped {
		return core.NewLifecycleError("listener.stop",
			fmt.Errorf("accept loop did not exit within %v", listenerJoinTimeout))
	}
	l.logger.Info("listener stopped")
	return nil
}

// Listening reports whether the accept loop is currently bound.
func (l *ListenerMode) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener != nil
}

// Addr returns the bound address, or "" when stopped. Useful when Start was
// given port 0.
func (l *ListenerMode) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// acceptLoop runs on the ThreadManager thread until the listener is closed.
func (l *ListenerMode) acceptLoop(ctx context.Context) {
	l.mu.Lock()
	ln := l.listener
	l.mu.Unlock()
	if ln == nil {
		return
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", core.F("error", err))
			continue
		}

		l.mu.Lock()
		if l.listener == nil {
			l.mu.Unlock()
			conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()

		go l.handleClient(ctx, conn)
	}
}

// handleClient reads messages from one peer until it disconnects or the
// listener shuts down. Each complete message is acknowledged.
func (l *ListenerMode) handleClient(ctx context.Context, conn net.Conn) {
	source := conn.RemoteAddr().String()
	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		conn.Close()
		l.wg.Done()
	}()

	reader := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(listenerPollInterval)); err != nil {
			return
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			// EOF and reset are normal peer departures; anything else is
			// still just this one connection's problem.
			if !errors.Is(err, net.ErrClosed) {
				l.logger.Debug("client disconnected",
					core.F("source", source), core.F("error", err))
			}
			return
		}

		message := strings.TrimRight(line, "\r\n")
		l.dispatch(message, source)

		if err := conn.SetWriteDeadline(time.Now().Add(l.timeout)); err != nil {
			return
		}
		if _, err := conn.Write([]byte(listenerAck + "\n")); err != nil {
			l.logger.Warn("ack failed", core.F("source", source), core.F("error", err))
			return
		}
	}
}

// dispatch invokes the handler, keeping handler panics away from the
// connection loop.
func (l *ListenerMode) dispatch(message, source string) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("message handler panicked",
				core.F("source", source), core.F("panic", rec))
		}
	}()
	l.handler(message, source)
}

// SendMessage delivers one message to the configured peer on a short-lived
// connection and waits for its acknowledgement.
func (l *ListenerMode) SendMessage(message string) error {
	if l.peer == nil {
		return core.NewLifecycleError("listener.send_message",
			fmt.Errorf("no peer endpoint configured"))
	}
	if strings.ContainsAny(message, "\r\n") {
		return core.NewValidationError("listener.send_message",
			fmt.Errorf("message must not contain line breaks"))
	}

	conn, err := net.DialTimeout("tcp", l.peer.Addr(), l.timeout)
	if err != nil {
		return core.NewConnectionError("listener.send_message", l.peer.Addr(), err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(l.timeout)); err != nil {
		return core.NewConnectionError("listener.send_message", l.peer.Addr(), err)
	}
	if _, err := conn.Write([]byte(message + "\n")); err != nil {
		return core.NewCommunicationError("listener.send_message", l.peer.Addr(), err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return core.NewTimeoutError("listener.send_message", l.peer.Addr(),
				fmt.Errorf("no acknowledgement within %v", l.timeout))
		}
		return core.NewCommunicationError("listener.send_message", l.peer.Addr(), err)
	}
	if strings.TrimRight(reply, "\r\n") != listenerAck {
		return core.NewProtocolError("listener.send_message", l.peer.Addr(),
			fmt.Errorf("unexpected acknowledgement %q", strings.TrimRight(reply, "\r\n")))
	}
	return nil
}
