// Package testproc runs a server binary as a subprocess for the duration of a
// test. The subprocess's output is logged to the test and kept so the test can
// wait for, or assert on, particular log lines.
package testproc

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

type Options struct {
	// ShutdownSignal, if non-zero, is sent to the process when the test
	// finishes so that it can shut down gracefully. Otherwise the process is
	// killed.
	ShutdownSignal syscall.Signal

	// ShutdownTimeout is how long to wait after ShutdownSignal before
	// killing the process. The default is 5 seconds.
	ShutdownTimeout time.Duration

	// AllowExitError stops a non-zero exit status from failing the test,
	// for tests that expect the process to fail.
	AllowExitError bool

	// Copied to the *exec.Cmd fields of the same name.
	Env        []string
	Dir        string
	ExtraFiles []*os.File
}

type Proc struct {
	tb  testing.TB
	ctx context.Context

	exitErr error // set before ctx is canceled

	mu    sync.Mutex
	lines []string
}

// Start launches name with args and arranges for it to be stopped when the
// test finishes. The test fails if the process cannot be started or, unless
// opts.AllowExitError is set, if it exits with an error.
func Start(tb testing.TB, name string, args []string, opts *Options) *Proc {
	tb.Helper()
	if opts == nil {
		opts = &Options{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Proc{tb: tb, ctx: ctx}

	base := filepath.Base(name)
	cmd := exec.Command(name, args...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	cmd.ExtraFiles = opts.ExtraFiles
	stdout := newLineWriter(p.recorder(base + ": stdout"))
	stderr := newLineWriter(p.recorder(base + ": stderr"))
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		tb.Fatalf("failed to start %s: %v", name, err)
	}

	var killed atomic.Bool
	go func() {
		defer cancel()
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		if !killed.Load() {
			p.exitErr = err
		}
	}()

	testDone := make(chan struct{})
	tb.Cleanup(func() {
		close(testDone)
		<-ctx.Done()
		if p.exitErr != nil && !opts.AllowExitError {
			tb.Errorf("%s exited with error: %v", base, p.exitErr)
		}
	})

	go func() {
		<-testDone
		if opts.ShutdownSignal != 0 {
			cmd.Process.Signal(opts.ShutdownSignal)
			select {
			case <-ctx.Done():
				return
			case <-time.After(cmp.Or(opts.ShutdownTimeout, 5*time.Second)):
			}
		}
		killed.Store(true)
		cmd.Process.Kill()
	}()

	return p
}

func (p *Proc) recorder(prefix string) func(string) error {
	return func(line string) error {
		p.tb.Logf("%s: %s", prefix, line)
		p.mu.Lock()
		p.lines = append(p.lines, line)
		p.mu.Unlock()
		return nil
	}
}

// Context returns a [context.Context] that is canceled when the process
// exits.
func (p *Proc) Context() context.Context {
	return p.ctx
}

// Exited reports whether the process has exited, and with what error.
func (p *Proc) Exited() (bool, error) {
	if p.ctx.Err() == nil {
		return false, nil
	}
	return true, p.exitErr
}

// Lines returns every line of output seen so far, stdout and stderr
// interleaved in arrival order.
func (p *Proc) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.lines)
}

// Wait calls f until it returns nil, the process exits, or dur elapses. f is
// always called at least once. The test errors if dur elapses first.
func (p *Proc) Wait(dur time.Duration, f func(context.Context) error) {
	p.tb.Helper()

	var (
		lastErr  error
		deadline = time.Now().Add(dur)
		backoff  = 5 * time.Millisecond
	)
	for time.Now().Before(deadline) {
		if lastErr = f(p.ctx); lastErr == nil {
			return
		}
		if p.ctx.Err() != nil {
			return
		}

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 100*time.Millisecond)
	}
	p.tb.Errorf("Wait did not succeed in %v; last error: %v", dur, lastErr)
}

// WaitForHTTPOK waits until a GET of url returns 200 OK.
func (p *Proc) WaitForHTTPOK(dur time.Duration, client *http.Client, url string) {
	p.tb.Helper()
	p.Wait(dur, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("bad status: %d", resp.StatusCode)
		}
		return nil
	})
}

// WaitForLine waits until some line of output satisfies match, and returns
// it. It returns "" if the process exited or dur elapsed first.
func (p *Proc) WaitForLine(dur time.Duration, match func(string) bool) string {
	p.tb.Helper()
	var found string
	p.Wait(dur, func(context.Context) error {
		for _, line := range p.Lines() {
			if match(line) {
				found = line
				return nil
			}
		}
		return fmt.Errorf("no matching line in %d lines of output", len(p.Lines()))
	})
	return found
}
