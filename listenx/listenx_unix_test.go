//go:build unix

package listenx

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
)

// When this variable is set, the test is running as the child half of
// runWithInheritedListener.
const isChildEnv = "LISTENX_IS_CHILD"

func isInChild() bool { return os.Getenv(isChildEnv) != "" }

func TestListenUnix(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	ln, err := Listen("unix://" + sock)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	verifyListenerAccepts(t, ln, "unix", sock)
}

func TestListenInheritedFD(t *testing.T) {
	if isInChild() {
		listenAndVerify(t, "fd://3")
		return
	}
	runWithInheritedListener(t, nil)
}

func TestListenSystemd(t *testing.T) {
	if isInChild() {
		// systemd sets LISTEN_PID to the PID of the activated process.
		os.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
		listenAndVerify(t, "systemd://0")
		return
	}
	runWithInheritedListener(t, []string{"LISTEN_FDS=1"})
}

func TestListenSystemdNamed(t *testing.T) {
	if isInChild() {
		os.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
		listenAndVerify(t, "systemd://http")
		return
	}
	runWithInheritedListener(t, []string{"LISTEN_FDS=1", "LISTEN_FDNAMES=http"})
}

func TestListenSystemdMissing(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")
	if _, err := Listen("systemd://http"); err == nil {
		t.Fatal("expected error without socket activation")
	}
}

func listenAndVerify(t *testing.T, addr string) {
	t.Helper()
	ln, err := Listen(addr)
	if err != nil {
		t.Fatalf("Listen(%q): %v", addr, err)
	}
	defer ln.Close()
	verifyListenerAccepts(t, ln, "tcp", ln.Addr().String())
}

// runWithInheritedListener re-runs the current test in a child process that
// inherits a TCP listener as file descriptor 3.
func runWithInheritedListener(t *testing.T, env []string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()
	file, err := ln.(*net.TCPListener).File()
	if err != nil {
		t.Fatalf("listener.File: %v", err)
	}
	defer file.Close()

	cmd := exec.Command(os.Args[0], "-test.run=^"+regexp.QuoteMeta(t.Name())+"$", "-test.v")
	cmd.Env = append(os.Environ(), isChildEnv+"=1")
	cmd.Env = append(cmd.Env, env...)
	cmd.ExtraFiles = []*os.File{file}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err = cmd.Run()
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		t.Logf("child: %s", line)
	}
	if err != nil {
		t.Fatalf("child process failed: %v", err)
	}
}
