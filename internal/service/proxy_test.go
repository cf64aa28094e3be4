package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"ssr-proxy-go/internal/client"
	"ssr-proxy-go/internal/config"
	"ssr-proxy-go/internal/model"
)

func newTestService(t *testing.T) (*ProxyService, *client.UpstreamClient) {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{ConnectTimeoutSeconds: 2, ResponseHeaderTimeoutSeconds: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	return NewProxyService(uc, logger), uc
}

// targetOf returns the UpstreamTarget for an httptest server.
func targetOf(t *testing.T, srv *httptest.Server) model.UpstreamTarget {
	t.Helper()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split %s: %v", srv.URL, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("port %s: %v", port, err)
	}
	return model.UpstreamTarget{Host: host, Port: p}
}

func TestFilterHeaders(t *testing.T) {
	src := http.Header{
		"Accept":            {"text/html"},
		"Cookie":            {"a=1", "b=2"},
		"Authorization":     {"Bearer token"},
		"X-Test":            {"1"},
		"Connection":        {"keep-alive, X-Hop"},
		"X-Hop":             {"drop-me"},
		"Keep-Alive":        {"timeout=5"},
		"Upgrade":           {"websocket"},
		"Te":                {"trailers"},
		"Transfer-Encoding": {"chunked"},
		"Proxy-Connection":  {"keep-alive"},
	}

	dst := filterHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Cookie forwarded with all values", "Cookie", 2},
		{"Authorization forwarded", "Authorization", 1},
		{"custom header forwarded", "X-Test", 1},
		{"Connection stripped", "Connection", 0},
		{"Connection-nominated header stripped", "X-Hop", 0},
		{"Keep-Alive stripped", "Keep-Alive", 0},
		{"Upgrade stripped", "Upgrade", 0},
		{"TE stripped", "TE", 0},
		{"Transfer-Encoding stripped", "Transfer-Encoding", 0},
		{"Proxy-Connection stripped", "Proxy-Connection", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if got := dst.Values("Cookie"); got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Cookie values = %v, want order preserved", got)
	}
	if len(src.Values("Connection")) != 1 {
		t.Error("filterHeaders must not mutate its input")
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	target := model.UpstreamTarget{Host: "localhost", Port: 4000}

	tests := []struct {
		name     string
		path     string
		rawQuery string
		want     string
	}{
		{"path only", "/foo/bar", "", "http://localhost:4000/foo/bar"},
		{"path and query", "/search", "q=a+b&page=2", "http://localhost:4000/search?q=a+b&page=2"},
		{"escaped path kept", "/a%2Fb/c%20d", "", "http://localhost:4000/a%2Fb/c%20d"},
		{"empty path is root", "", "", "http://localhost:4000/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildUpstreamURL(target, tt.path, tt.rawQuery); got != tt.want {
				t.Errorf("buildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

// seenRequest is what the test upstream observed.
type seenRequest struct {
	method, path, query, host, body string
	header                          http.Header
}

func TestForward_PassesRequestThrough(t *testing.T) {
	seen := make(chan seenRequest, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen <- seenRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			host:   r.Host,
			body:   string(b),
			header: r.Header.Clone(),
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("<p>short and stout</p>"))
	}))
	defer upstream.Close()

	svc, _ := newTestService(t)
	target := targetOf(t, upstream)

	pr := &model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodPost,
		Path:     "/foo/bar",
		RawQuery: "x=1",
		Header: http.Header{
			"X-Test":       {"1"},
			"Content-Type": {"text/plain"},
			"Connection":   {"keep-alive"},
		},
		Body:          io.NopCloser(strings.NewReader("payload")),
		ContentLength: int64(len("payload")),
	}

	resp, err := svc.Forward(pr, target)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	got := <-seen
	if got.method != http.MethodPost || got.path != "/foo/bar" || got.query != "x=1" {
		t.Errorf("upstream saw %s %s?%s, want POST /foo/bar?x=1", got.method, got.path, got.query)
	}
	if got.host != target.Addr() {
		t.Errorf("Host = %q, want %q", got.host, target.Addr())
	}
	if got.header.Get("X-Test") != "1" {
		t.Errorf("X-Test = %q, want %q", got.header.Get("X-Test"), "1")
	}
	if got.header.Get("User-Agent") != "" {
		t.Errorf("User-Agent = %q, want none injected", got.header.Get("User-Agent"))
	}
	if got.body != "payload" {
		t.Errorf("body = %q, want %q", got.body, "payload")
	}

	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusTeapot)
	}
	if got := resp.Header.Values("Set-Cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("Set-Cookie = %v, want [a=1 b=2]", got)
	}
	if string(body) != "<p>short and stout</p>" {
		t.Errorf("body = %q", body)
	}
}

func TestForward_KeepsUserAgent(t *testing.T) {
	seen := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("User-Agent")
	}))
	defer upstream.Close()

	svc, _ := newTestService(t)
	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/",
		Header: http.Header{"User-Agent": {"Mozilla/5.0"}},
		Body:   http.NoBody,
	}

	resp, err := svc.Forward(pr, targetOf(t, upstream))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()

	if ua := <-seen; ua != "Mozilla/5.0" {
		t.Errorf("User-Agent = %q, want %q", ua, "Mozilla/5.0")
	}
}

func TestForward_ConnectError(t *testing.T) {
	svc, uc := newTestService(t)

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/",
		Header: http.Header{},
		Body:   http.NoBody,
	}

	_, err := svc.Forward(pr, model.UpstreamTarget{Host: "127.0.0.1", Port: 1})
	if err == nil {
		t.Fatal("Forward() expected error for unreachable upstream, got nil")
	}
	if !errors.Is(err, ErrUpstreamConnect) {
		t.Errorf("Forward() error = %v, want ErrUpstreamConnect", err)
	}
	if uc.OpenConns() != 0 {
		t.Errorf("OpenConns() = %d, want 0", uc.OpenConns())
	}
}

func TestForward_StripsHopByHopResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Powered-By", "Next.js")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	svc, _ := newTestService(t)
	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/",
		Header: http.Header{},
		Body:   http.NoBody,
	}

	resp, err := svc.Forward(pr, targetOf(t, upstream))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("Keep-Alive") != "" {
		t.Errorf("Keep-Alive should be stripped, got %q", resp.Header.Get("Keep-Alive"))
	}
	if resp.Header.Get("X-Powered-By") != "Next.js" {
		t.Errorf("X-Powered-By = %q, want %q", resp.Header.Get("X-Powered-By"), "Next.js")
	}
}
