//go:build unix

package listenx

import (
	"fmt"
	"net"
	"strconv"

	"github.com/coreos/go-systemd/v22/activation"
)

func init() {
	listeners["unix"] = func(path string) (net.Listener, error) {
		return net.Listen("unix", path)
	}
	listeners["systemd"] = listenSystemd
}

func listenSystemd(name string) (net.Listener, error) {
	if idx, err := strconv.Atoi(name); err == nil {
		lns, err := activation.Listeners()
		if err != nil {
			return nil, fmt.Errorf("retrieving systemd listeners: %w", err)
		}
		if idx < 0 || idx >= len(lns) {
			return nil, fmt.Errorf("systemd listener index %d out of range (have %d)", idx, len(lns))
		}
		if lns[idx] == nil {
			return nil, fmt.Errorf("systemd socket %d is not a stream listener", idx)
		}
		return lns[idx], nil
	}

	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("retrieving systemd listeners: %w", err)
	}
	lns := named[name]
	switch {
	case len(lns) == 0:
		return nil, fmt.Errorf("systemd listener %q not found", name)
	case len(lns) > 1:
		return nil, fmt.Errorf("systemd listener %q has %d sockets, want 1", name, len(lns))
	case lns[0] == nil:
		return nil, fmt.Errorf("systemd socket %q is not a stream listener", name)
	}
	return lns[0], nil
}
