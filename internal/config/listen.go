package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultSocketPath is used when neither a socket path nor a port is set.
var DefaultSocketPath = filepath.Join(os.TempDir(), "katexd.sock")

// loopbackHost is the only interface a TCP listener is ever bound to.
const loopbackHost = "127.0.0.1"

// Validate checks that at most one bind target is configured.
func (l ListenConfig) Validate() error {
	if l.SocketPath != "" && l.Port != 0 {
		return fmt.Errorf("listen.socket_path and listen.port are mutually exclusive")
	}
	if l.Port < 0 || l.Port > 65535 {
		return fmt.Errorf("listen.port must be between 1 and 65535, got %d", l.Port)
	}
	return nil
}

// Network returns "unix" or "tcp".
func (l ListenConfig) Network() string {
	if l.SocketPath == "" && l.Port != 0 {
		return "tcp"
	}
	return "unix"
}

// Address returns the bind address for Network. TCP always binds loopback.
func (l ListenConfig) Address() string {
	switch {
	case l.SocketPath != "":
		return l.SocketPath
	case l.Port != 0:
		return net.JoinHostPort(loopbackHost, strconv.Itoa(l.Port))
	default:
		return DefaultSocketPath
	}
}

func (l ListenConfig) String() string {
	return l.Network() + ":" + l.Address()
}
