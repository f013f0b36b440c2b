// Package listenx creates the server's [net.Listener] from an address
// string. Besides plain TCP addresses it understands inherited file
// descriptors and systemd socket activation, so the server can be started
// by a supervisor that owns the socket.
package listenx

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Listen creates a listener for addr. An address without a scheme, such as
// ":8080" or "127.0.0.1:8080", listens on TCP. Otherwise the scheme selects
// the kind of listener:
//
//   - tcp://host:port listens on a TCP port.
//   - fd://N uses the listening socket inherited as file descriptor N.
//
// On Unix systems these are also available:
//
//   - unix://path listens on a Unix socket at path.
//   - systemd://name uses a socket passed by systemd socket activation;
//     name is either an index into the passed sockets or the FileDescriptorName
//     of one of them.
func Listen(addr string) (net.Listener, error) {
	scheme, rest, err := split(addr)
	if err != nil {
		return nil, err
	}
	fn, ok := listeners[scheme]
	if !ok {
		if _, known := schemes[scheme]; known {
			return nil, fmt.Errorf("%s:// listeners are not supported on %s", scheme, runtime.GOOS)
		}
		return nil, fmt.Errorf("unsupported listen address %q", addr)
	}
	return fn(rest)
}

// Validate reports whether addr is a well-formed listen address, without
// creating a listener.
func Validate(addr string) error {
	scheme, rest, err := split(addr)
	if err != nil {
		return err
	}
	check, ok := schemes[scheme]
	if !ok {
		return fmt.Errorf("unknown listen scheme %q", scheme)
	}
	return check(rest)
}

func split(addr string) (scheme, rest string, err error) {
	scheme, rest, ok := strings.Cut(addr, "://")
	if !ok {
		scheme, rest = "tcp", addr
	}
	if rest == "" {
		return "", "", fmt.Errorf("empty listen address %q", addr)
	}
	return scheme, rest, nil
}

// schemes maps every recognized scheme to a syntax check for the part after
// "://".
var schemes = map[string]func(string) error{
	"tcp": func(s string) error {
		_, _, err := net.SplitHostPort(s)
		return err
	},
	"unix":    func(string) error { return nil },
	"fd":      func(s string) error { _, err := parseFD(s); return err },
	"systemd": func(string) error { return nil },
}

// listeners holds the schemes supported on this platform. Platform-specific
// files add to it from init.
var listeners = map[string]func(string) (net.Listener, error){
	"tcp": func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) },
	"fd":  listenFD,
}

func parseFD(s string) (int, error) {
	fd, err := strconv.Atoi(s)
	if err != nil || fd < 0 {
		return 0, fmt.Errorf("invalid file descriptor %q", s)
	}
	return fd, nil
}

func listenFD(s string) (net.Listener, error) {
	fd, err := parseFD(s)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "listener")
	if f == nil {
		return nil, fmt.Errorf("file descriptor %d is not valid", fd)
	}
	defer f.Close() // FileListener dups the descriptor

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("creating listener from fd %d: %w", fd, err)
	}
	return ln, nil
}
