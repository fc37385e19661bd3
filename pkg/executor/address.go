package executor

import (
	"fmt"
	"net"
	"strconv"
)

// InitAddress is the endpoint used to bind the worker's process-group
// context. It exists even for a single-member group because the underlying
// communication layer requires one. Immutable once created.
type InitAddress struct {
	Host string
	Port int
}

func (a InitAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseInitAddress parses a host:port string.
func ParseInitAddress(s string) (InitAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return InitAddress{}, fmt.Errorf("parse init address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return InitAddress{}, fmt.Errorf("parse init address %q: bad port %q", s, portStr)
	}
	return InitAddress{Host: host, Port: port}, nil
}

// FreeAddress asks the host networking stack for an unused local TCP port
// and returns a loopback init address bound to it.
func FreeAddress() (InitAddress, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return InitAddress{}, fmt.Errorf("probe free port: %w", err)
	}
	defer l.Close()
	addr := l.Addr().(*net.TCPAddr)
	return InitAddress{Host: addr.IP.String(), Port: addr.Port}, nil
}
