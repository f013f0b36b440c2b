package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/andrew-d/transitroutes/internal/repodir"
	"github.com/andrew-d/transitroutes/internal/testproc"
)

var (
	buildOnce sync.Once
	buildBin  string
	buildErr  error
)

// buildTransitroutes compiles cmd/transitroutes once per test binary and
// returns the path to the result.
func buildTransitroutes(tb testing.TB) string {
	tb.Helper()
	goBin, err := exec.LookPath("go")
	if err != nil {
		tb.Skip("go binary not found in PATH")
	}
	buildOnce.Do(func() {
		rootDir, err := repodir.Root()
		if err != nil {
			buildErr = fmt.Errorf("finding root directory: %w", err)
			return
		}
		outDir, err := os.MkdirTemp("", "transitroutes-integration-")
		if err != nil {
			buildErr = err
			return
		}
		buildBin = filepath.Join(outDir, "transitroutes")
		cmd := exec.Command(goBin, "build", "-o", buildBin, "./cmd/transitroutes")
		cmd.Dir = rootDir
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			buildErr = fmt.Errorf("building transitroutes: %w", err)
		}
	})
	if buildErr != nil {
		tb.Fatal(buildErr)
	}
	return buildBin
}

// startTransitland starts a fake transit.land that knows one stop.
func startTransitland(tb testing.TB) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != "integration-key" {
			http.Error(w, "bad api key", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("stop_name") == "Main St" {
			io.WriteString(w, `{"stops":[{"schedule":[{"departure":"08:00"}]}]}`)
			return
		}
		io.WriteString(w, `{"stops":[]}`)
	}))
	tb.Cleanup(srv.Close)
	return srv.URL
}

// testConfig keeps password hashing cheap so the tests stay fast.
const testConfig = `
log_level: debug
password:
  time: 1
  memory_kib: 1024
  threads: 1
`

type instance struct {
	proc *testproc.Proc
	url  string
}

// startTransitroutes runs the server binary against the database at dbPath,
// handing it a listener on an inherited file descriptor, and waits for it to
// become live. The process is stopped with SIGTERM when tb finishes.
func startTransitroutes(tb testing.TB, bin, dbPath, transitlandURL string, extraArgs ...string) *instance {
	tb.Helper()

	tdir := tb.TempDir()
	configPath := filepath.Join(tdir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(testConfig), 0o600); err != nil {
		tb.Fatalf("writing config file: %v", err)
	}
	envPath := filepath.Join(tdir, ".env")
	envFile := "TRANSITLAND_API_KEY=integration-key\nTRANSITLAND_BASE_URL=" + transitlandURL + "\n"
	if err := os.WriteFile(envPath, []byte(envFile), 0o600); err != nil {
		tb.Fatalf("writing env file: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("error listening: %v", err)
	}
	tb.Cleanup(func() { ln.Close() })
	lnFile, err := ln.(*net.TCPListener).File()
	if err != nil {
		tb.Fatalf("error getting FD for listener: %v", err)
	}
	tb.Cleanup(func() { lnFile.Close() })

	args := append([]string{
		"--listen", "fd://3",
		"--db", dbPath,
		"--config", configPath,
		"--env-file", envPath,
	}, extraArgs...)
	proc := testproc.Start(tb, bin, args, &testproc.Options{
		ShutdownSignal: syscall.SIGTERM,
		ExtraFiles:     []*os.File{lnFile},
		Env:            cleanEnv(),
	})

	url := "http://" + ln.Addr().String()
	proc.WaitForHTTPOK(10*time.Second, http.DefaultClient, url+"/livez")
	if tb.Failed() {
		tb.FailNow()
	}
	return &instance{proc: proc, url: url}
}

// cleanEnv returns the test's environment without any variables the server
// reads, so the developer's shell can't leak into the test.
func cleanEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "TRANSITLAND_") || strings.HasPrefix(kv, "TRANSITROUTES_") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// tester is an API client with its own cookie jar. The jar ignores ports, so
// a tester keeps its session across server restarts on 127.0.0.1.
type tester struct {
	tb     testing.TB
	client *http.Client
}

func newTester(tb testing.TB) *tester {
	jar, err := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
	})
	if err != nil {
		tb.Fatalf("failed to create cookie jar: %v", err)
	}
	return &tester{
		tb:     tb,
		client: &http.Client{Jar: jar, Timeout: 10 * time.Second},
	}
}

// call POSTs body as JSON to path on inst and decodes the response envelope.
func (t *tester) call(inst *instance, path string, body any) envelope {
	t.tb.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.tb.Fatalf("encoding request: %v", err)
		}
	}
	req, err := http.NewRequestWithContext(context.Background(), "POST", inst.url+path, &buf)
	if err != nil {
		t.tb.Fatalf("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.tb.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.tb.Fatalf("POST %s: status %d", path, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.tb.Fatalf("POST %s: decoding response: %v", path, err)
	}
	return env
}

// mustCall is call, failing the test unless the envelope reports success.
func (t *tester) mustCall(inst *instance, path string, body, into any) {
	t.tb.Helper()
	env := t.call(inst, path, body)
	if !env.Success {
		t.tb.Fatalf("POST %s failed: %s", path, env.Error)
	}
	if into != nil {
		if err := json.Unmarshal(env.Data, into); err != nil {
			t.tb.Fatalf("POST %s: decoding data: %v", path, err)
		}
	}
}

type route struct {
	RouteID    string            `json:"routeId"`
	Name       string            `json:"name"`
	Stop       string            `json:"stop"`
	Schedule   []json.RawMessage `json:"schedule"`
	OwnerEmail string            `json:"ownerEmail"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
