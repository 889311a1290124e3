package device

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thtpm/floorlink/core"
)

// sendLine delivers one message to the listener bound at addr and returns
// the acknowledgement. The listener binds all interfaces; dial loopback.
func sendLine(t *testing.T, addr, message string) string {
	t.Helper()
	port := addr[strings.LastIndex(addr, ":")+1:]
	conn, err := net.Dial("tcp", "127.0.0.1:"+port)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write([]byte(message + "\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(reply, "\r\n")
}

func TestListenerMode_ReceivesAndAcknowledges(t *testing.T) {
	tm := core.NewThreadManager(nil)
	listener := NewListenerMode(tm)

	var mu sync.Mutex
	var received []string
	require.NoError(t, listener.Start(0, func(message, source string) {
		mu.Lock()
		received = append(received, message)
		mu.Unlock()
		assert.NotEmpty(t, source)
	}))
	defer listener.Stop()

	require.True(t, listener.Listening())

	ack := sendLine(t, listener.Addr(), "MEASUREMENT_DONE")
	assert.Equal(t, "MESSAGE_RECEIVED", ack)

	ack = sendLine(t, listener.Addr(), "PART_READY")
	assert.Equal(t, "MESSAGE_RECEIVED", ack)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"MEASUREMENT_DONE", "PART_READY"}, received)
}

func TestListenerMode_StopReleasesPort(t *testing.T) {
	tm := core.NewThreadManager(nil)
	listener := NewListenerMode(tm)

	require.NoError(t, listener.Start(0, func(string, string) {}))
	addr := listener.Addr()
	port := addr[strings.LastIndex(addr, ":")+1:]

	require.NoError(t, listener.Stop())
	assert.False(t, listener.Listening())

	// The port must be rebindable immediately after Stop returns.
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	require.NoError(t, err, "port still bound after Stop")
	ln.Close()
}

func TestListenerMode_Restart(t *testing.T) {
	tm := core.NewThreadManager(nil)
	listener := NewListenerMode(tm)

	require.NoError(t, listener.Start(0, func(string, string) {}))
	require.NoError(t, listener.Stop())

	got := make(chan string, 1)
	require.NoError(t, listener.Start(0, func(message, _ string) {
		got <- message
	}))
	defer listener.Stop()

	sendLine(t, listener.Addr(), "AFTER_RESTART")
	select {
	case msg := <-got:
		assert.Equal(t, "AFTER_RESTART", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered after restart")
	}
}

func TestListenerMode_DoubleStart(t *testing.T) {
	tm := core.NewThreadManager(nil)
	listener := NewListenerMode(tm)

	require.NoError(t, listener.Start(0, func(string, string) {}))
	defer listener.Stop()

	err := listener.Start(0, func(string, string) {})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindLifecycle))
}

func TestListenerMode_HandlerPanicContained(t *testing.T) {
	tm := core.NewThreadManager(nil)
	listener := NewListenerMode(tm)

	var calls int
	var mu sync.Mutex
	require.NoError(t, listener.Start(0, func(message, _ string) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("handler fault")
	}))
	defer listener.Stop()

	// Both messages are acknowledged even though the handler panics.
	assert.Equal(t, "MESSAGE_RECEIVED", sendLine(t, listener.Addr(), "first"))
	assert.Equal(t, "MESSAGE_RECEIVED", sendLine(t, listener.Addr(), "second"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestListenerMode_StopIdempotent(t *testing.T) {
	tm := core.NewThreadManager(nil)
	listener := NewListenerMode(tm)

	require.NoError(t, listener.Stop())

	require.NoError(t, listener.Start(0, func(string, string) {}))
	require.NoError(t, listener.Stop())
	require.NoError(t, listener.Stop())
}

func TestListenerMode_SendMessage(t *testing.T) {
	peerTarget := startMockServer(t, lineServer(func(message string) string {
		return "MESSAGE_RECEIVED"
	}))

	tm := core.NewThreadManager(nil)
	listener := NewListenerMode(tm, WithListenerPeer(peerTarget))

	require.NoError(t, listener.SendMessage("STATION_READY"))

	err := listener.SendMessage("BAD\nMESSAGE")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))

	unconfigured := NewListenerMode(tm)
	err = unconfigured.SendMessage("STATION_READY")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindLifecycle))
}
