package device

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thtpm/floorlink/core"
)

func writeTestFrame(conn net.Conn, msgType byte, payload []byte) {
	frame := make([]byte, 3+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(payload)+3))
	frame[2] = msgType
	copy(frame[3:], payload)
	conn.Write(frame)
}

func readTestFrame(conn net.Conn) (byte, []byte, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(header[0:2])
	payload := make([]byte, length-3)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return header[2], payload, nil
}

func posePayload(recipe byte, pose [6]float64) []byte {
	payload := make([]byte, 1+6*8)
	payload[0] = recipe
	for i, v := range pose {
		binary.BigEndian.PutUint64(payload[1+i*8:], math.Float64bits(v))
	}
	return payload
}

// rtdeServer answers the full one-shot exchange. maxVersion caps what the
// version negotiation accepts; sendText interleaves a TEXT_MESSAGE before the
// data package.
func rtdeServer(maxVersion uint16, recipe byte, pose [6]float64, sendText bool) func(net.Conn) {
	return func(conn net.Conn) {
		for {
			msgType, payload, err := readTestFrame(conn)
			if err != nil {
				return
			}
			switch msgType {
			case rtdeRequestProtocolVersion:
				requested := binary.BigEndian.Uint16(payload)
				accepted := requested
				if requested > maxVersion {
					accepted = maxVersion
				}
				reply := make([]byte, 2)
				binary.BigEndian.PutUint16(reply, accepted)
				writeTestFrame(conn, rtdeProtocolVersionReply, reply)
			case rtdeControlSetupOutputs:
				writeTestFrame(conn, rtdeControlSetupOutputs, []byte{1, recipe})
			case rtdeControlStart:
				writeTestFrame(conn, rtdeControlStart, []byte{1})
				if sendText {
					writeTestFrame(conn, rtdeTextMessage, []byte("controller notice"))
				}
				writeTestFrame(conn, rtdeDataPackage, posePayload(recipe, pose))
			case rtdeControlPause:
				return
			}
		}
	}
}

func TestRTDE_PoseOverV2(t *testing.T) {
	want := [6]float64{0.5, -0.25, 0.8, 0.0, 3.14159, -1.0}
	target := startMockServer(t, rtdeServer(2, 3, want, false))

	client := newRTDEClient(target, time.Second, nil)
	pose, err := client.ReadPose()

	require.NoError(t, err)
	assert.Equal(t, want, pose)
	assert.Equal(t, rtdeClosed, client.state)
}

func TestRTDE_FallbackToV1(t *testing.T) {
	// Bit-exact doubles must survive the round trip through the v1 path.
	want := [6]float64{0.10, 0.20, 0.30, 0.00, 1.57, 0.00}
	target := startMockServer(t, rtdeServer(1, 7, want, false))

	client := newRTDEClient(target, time.Second, nil)
	pose, err := client.ReadPose()

	require.NoError(t, err)
	assert.Equal(t, want, pose)
}

func TestRTDE_TextMessagesSkipped(t *testing.T) {
	want := [6]float64{1, 2, 3, 4, 5, 6}
	target := startMockServer(t, rtdeServer(2, 1, want, true))

	pose, err := newRTDEClient(target, time.Second, nil).ReadPose()

	require.NoError(t, err)
	assert.Equal(t, want, pose)
}

func TestRTDE_RecipeMismatch(t *testing.T) {
	target := startMockServer(t, func(conn net.Conn) {
		for {
			msgType, _, err := readTestFrame(conn)
			if err != nil {
				return
			}
			switch msgType {
			case rtdeRequestProtocolVersion:
				writeTestFrame(conn, rtdeProtocolVersionReply, []byte{0, 2})
			case rtdeControlSetupOutputs:
				writeTestFrame(conn, rtdeControlSetupOutputs, []byte{1, 5})
			case rtdeControlStart:
				writeTestFrame(conn, rtdeControlStart, []byte{1})
				// Wrong recipe id in the data package.
				writeTestFrame(conn, rtdeDataPackage, posePayload(9, [6]float64{}))
			}
		}
	})

	_, err := newRTDEClient(target, time.Second, nil).ReadPose()

	require.Error(t, err)
	assert.True(t, core.IsProtocol(err), "error = %v, want protocol kind", err)
}

func TestRTDE_SetupRejected(t *testing.T) {
	target := startMockServer(t, func(conn net.Conn) {
		for {
			msgType, _, err := readTestFrame(conn)
			if err != nil {
				return
			}
			switch msgType {
			case rtdeRequestProtocolVersion:
				writeTestFrame(conn, rtdeProtocolVersionReply, []byte{0, 2})
			case rtdeControlSetupOutputs:
				writeTestFrame(conn, rtdeControlSetupOutputs, []byte{0, 0})
			}
		}
	})

	_, err := newRTDEClient(target, time.Second, nil).ReadPose()

	require.Error(t, err)
	assert.True(t, core.IsProtocol(err), "error = %v, want protocol kind", err)
}

func TestRTDE_SilentServerTimesOut(t *testing.T) {
	target := startMockServer(t, func(conn net.Conn) {
		// Accept the connection and never answer anything. The v2 attempt
		// times out, triggering the v1 fallback, which times out as well.
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	client := newRTDEClient(target, 100*time.Millisecond, nil)
	_, err := client.ReadPose()

	require.Error(t, err)
	assert.True(t, core.IsTimeout(err), "error = %v, want timeout kind", err)
	assert.Equal(t, rtdeFailed, client.state)
}

func TestRTDE_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	target, err := NewTarget("127.0.0.1", port)
	require.NoError(t, err)

	_, err = newRTDEClient(target, 500*time.Millisecond, nil).ReadPose()

	require.Error(t, err)
	assert.True(t, core.IsConnection(err), "error = %v, want connection kind", err)
}
