package device

import (
	"bufio"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// startMockServer binds an ephemeral port and runs handler for every accepted
// connection. The listener is closed when the test ends.
func startMockServer(t *testing.T, handler func(conn net.Conn)) Target {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handler(conn)
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	target, err := NewTarget("127.0.0.1", addr.Port)
	require.NoError(t, err)
	return target
}

// lineServer replies to each newline-delimited command via reply. Returning
// "" closes the connection without answering.
func lineServer(reply func(command string) string) func(net.Conn) {
	return func(conn net.Conn) {
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			response := reply(strings.TrimRight(line, "\r\n"))
			if response == "" {
				return
			}
			if _, err := conn.Write([]byte(response + "\n")); err != nil {
				return
			}
		}
	}
}
