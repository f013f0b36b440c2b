package main

// This file contains test helpers for making requests to an httptest.Server.

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/net/publicsuffix"
)

// testClient is a helper for making requests to an httptest.Server.
type testClient struct {
	tb     testing.TB
	server *httptest.Server
	client *http.Client
}

// getTestClient returns a testClient that makes requests to the given
// httptest.Server. The testClient has its own cookie jar, so separate
// clients act as separate browsers.
func getTestClient(tb testing.TB, server *httptest.Server) *testClient {
	tb.Helper()

	jar, err := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
	})
	if err != nil {
		tb.Fatalf("failed to create cookie jar: %v", err)
	}

	// Each client gets its own http.Client since server.Client() returns
	// a shared instance.
	client := &http.Client{
		Transport: server.Client().Transport,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			tb.Logf("not following redirect: %v", req.URL)
			return http.ErrUseLastResponse
		},
	}
	return &testClient{tb: tb, server: server, client: client}
}

// testClientOpt is an option that can be passed to a testClient's methods.
type testClientOpt func(*http.Request)

// withHeader returns a testClientOpt that sets the given header on the request.
func withHeader(k, v string) testClientOpt {
	return func(req *http.Request) {
		req.Header.Set(k, v)
	}
}

// withCookie returns a testClientOpt that adds the given cookie to the request.
func withCookie(c *http.Cookie) testClientOpt {
	return func(req *http.Request) {
		req.AddCookie(c)
	}
}

// Cookies returns the cookies this client would send to the server.
func (c *testClient) Cookies() []*http.Cookie {
	uu, err := url.Parse(c.server.URL)
	if err != nil {
		c.tb.Fatalf("failed to parse URL: %v", err)
	}
	return c.client.Jar.Cookies(uu)
}

// MakeRequest is the underlying method for making requests to the test server.
//
// It will create a request with the provided method and path, will set the
// request body to the provided body, and will apply any options provided.
func (c *testClient) MakeRequest(
	method, path string,
	body io.Reader,
	opts ...testClientOpt,
) *http.Response {
	c.tb.Helper()
	req, err := http.NewRequest(method, c.server.URL+path, body)
	if err != nil {
		c.tb.Fatalf("failed to create request: %v", err)
	}
	for _, opt := range opts {
		opt(req)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.tb.Fatalf("failed to make request: %v", err)
	}
	c.tb.Cleanup(func() { resp.Body.Close() })
	return resp
}

// Get makes a GET request to the given path on the test server.
func (c *testClient) Get(path string, opts ...testClientOpt) *http.Response {
	return c.MakeRequest("GET", path, nil, opts...)
}

// Post makes a POST request to the given path on the test server.
func (c *testClient) Post(path, contentType string, body io.Reader, opts ...testClientOpt) *http.Response {
	opts = append([]testClientOpt{withHeader("Content-Type", contentType)}, opts...)
	return c.MakeRequest("POST", path, body, opts...)
}

// PostForm makes a POST request to the given path on the test server with the
// provided form data.
func (c *testClient) PostForm(path string, data url.Values, opts ...testClientOpt) *http.Response {
	return c.Post(path, "application/x-www-form-urlencoded", strings.NewReader(data.Encode()), opts...)
}

// testEnvelope is the response envelope with the data left undecoded.
type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Call POSTs body as JSON to path and returns the decoded envelope.
func (c *testClient) Call(path string, body any, opts ...testClientOpt) testEnvelope {
	c.tb.Helper()
	var r io.Reader = http.NoBody
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			c.tb.Fatalf("failed to marshal JSON: %v", err)
		}
		r = bytes.NewReader(jsonBytes)
	}
	resp := c.Post(path, "application/json", r, opts...)
	return extractEnvelope(c.tb, resp)
}

// MustCall is Call, but fails the test unless the envelope reports success,
// and decodes the data into a T.
//
// It is a freestanding function because it is generic over the response
// type, and Go does not support generic methods.
func mustCall[T any](c *testClient, path string, body any, opts ...testClientOpt) T {
	c.tb.Helper()
	env := c.Call(path, body, opts...)
	if !env.Success {
		c.tb.Fatalf("%s: success=false, error=%q", path, env.Error)
	}
	var val T
	if err := json.Unmarshal(env.Data, &val); err != nil {
		c.tb.Fatalf("%s: failed to decode data %s: %v", path, env.Data, err)
	}
	return val
}

// extractEnvelope decodes the response envelope, asserting that it has a 200
// status and JSON content type.
func extractEnvelope(tb testing.TB, resp *http.Response) testEnvelope {
	tb.Helper()
	assertStatus(tb, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		tb.Fatalf("unexpected content type: %v", ct)
	}

	var env testEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		tb.Fatalf("failed to decode JSON: %v", err)
	}
	return env
}

// assertStatus asserts that the response has the expected status code.
func assertStatus(tb testing.TB, r *http.Response, want int) {
	tb.Helper()
	if r.StatusCode != want {
		tb.Fatalf("unexpected status code: %d, want %d", r.StatusCode, want)
	}
}

// assertFailure asserts that env is a failure envelope with the given error
// message.
func assertFailure(tb testing.TB, env testEnvelope, wantErr string) {
	tb.Helper()
	if env.Success {
		tb.Fatalf("success=true with data %s, want failure %q", env.Data, wantErr)
	}
	if env.Error != wantErr {
		tb.Fatalf("error = %q, want %q", env.Error, wantErr)
	}
	if len(env.Data) != 0 {
		tb.Errorf("failure envelope has data: %s", env.Data)
	}
}
