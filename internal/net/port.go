package net

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when no listen address is given.
const DefaultPort = 2113

var ErrInvalidAddr = errors.New("invalid listen address")

// ListenAddr is a parsed listen argument.
type ListenAddr struct {
	Network string
	Address string
}

func (a ListenAddr) String() string {
	if a.Network == "unix" {
		return "local:" + a.Address
	}
	return a.Address
}

// ParseListenAddr parses "", "PORT", "HOST:PORT" or "local:/path/to.sock".
// An empty argument listens on all interfaces at DefaultPort.
func ParseListenAddr(arg string) (ListenAddr, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return ListenAddr{Network: "tcp", Address: net.JoinHostPort("", strconv.Itoa(DefaultPort))}, nil
	}
	if path, ok := strings.CutPrefix(arg, "local:"); ok {
		if path == "" {
			return ListenAddr{}, fmt.Errorf("%w: %q has no socket path", ErrInvalidAddr, arg)
		}
		return ListenAddr{Network: "unix", Address: path}, nil
	}

	host, portStr := "", arg
	if strings.Contains(arg, ":") {
		var err error
		host, portStr, err = net.SplitHostPort(arg)
		if err != nil {
			return ListenAddr{}, fmt.Errorf("%w: %s", ErrInvalidAddr, err)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return ListenAddr{}, fmt.Errorf("%w: %q is not a port number", ErrInvalidAddr, portStr)
	}
	return ListenAddr{Network: "tcp", Address: net.JoinHostPort(host, strconv.Itoa(port))}, nil
}

func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
