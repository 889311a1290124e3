// Package device implements the socket endpoints of the production line:
// the LIMA vision unit client, the robot communicator with its RTDE one-shot
// pose protocol, the inbound listener and the cobot command channel.
//
// Every endpoint follows the same rules: construction takes a validated
// Target plus explicit collaborators (logger, metrics, persistence sink),
// every blocking call carries a deadline, and a session suspected broken is
// torn down rather than reused.
package device

import (
	"fmt"
	"net"
	"strconv"

	"github.com/thtpm/floorlink/core"
)

// Target is a validated host/port pair. It is immutable once a client
// session begins.
type Target struct {
	Host string
	Port int
}

// NewTarget validates host and port before any socket is opened. The host
// may be an IP address or a DNS name; the port must be in 1..65535.
func NewTarget(host string, port int) (Target, error) {
	if host == "" {
		return Target{}, core.NewValidationError("target.new", fmt.Errorf("empty host"))
	}
	if port < 1 || port > 65535 {
		return Target{}, core.NewValidationError("target.new", fmt.Errorf("port %d out of range", port))
	}
	if ip := net.ParseIP(host); ip == nil {
		// Not a literal IP; accept hostnames but reject obvious garbage.
		for _, r := range host {
			if r == ' ' || r == '/' {
				return Target{}, core.NewValidationError("target.new",
					fmt.Errorf("invalid host %q", host))
			}
		}
	}
	return Target{Host: host, Port: port}, nil
}

// Addr returns the dialable "host:port" form.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Addr() }
