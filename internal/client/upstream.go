// Package client provides the upstream transports: a one-shot HTTP client
// and a WebSocket dialer, both opening a fresh connection per use.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ssr-proxy-go/internal/config"
	"ssr-proxy-go/internal/metrics"
	"ssr-proxy-go/internal/model"
)

// UpstreamClient sends requests to the resolved upstream.
type UpstreamClient struct {
	httpClient *http.Client
	wsDialer   *websocket.Dialer
	logger     *slog.Logger
	metrics    *metrics.Metrics

	open atomic.Int64
}

// NewUpstreamClient creates an UpstreamClient.
// Keep-alives are disabled so every exchange gets its own connection, torn
// down once the response body is closed. There is no overall client timeout
// because response bodies are streamed; the dial and response-header
// timeouts bound the time spent waiting on an unresponsive upstream.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	c := &UpstreamClient{
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}

	dialer := &net.Dialer{
		Timeout:   cfg.Upstream.ConnectTimeout(),
		KeepAlive: 30 * time.Second,
	}
	dialWithIdle := func(idle time.Duration) func(context.Context, string, string) (net.Conn, error) {
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			c.open.Add(1)
			return &trackedConn{Conn: conn, idle: idle, onClose: func() { c.open.Add(-1) }}, nil
		}
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialWithIdle(cfg.Upstream.BodyIdleTimeout()),
		DisableKeepAlives:     true,
		DisableCompression:    true,
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout(),
	}

	c.httpClient = &http.Client{
		Transport: transport,
		// Redirects belong to the browser, not to the proxy.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	c.wsDialer = &websocket.Dialer{
		// WebSocket connections manage their own read deadlines.
		NetDialContext:   dialWithIdle(0),
		HandshakeTimeout: cfg.Reload.HandshakeTimeout(),
	}

	return c
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != nil && body != http.NoBody {
		req.ContentLength = contentLength
	}

	return c.Do(req)
}

// DialWebSocket performs the client-side WebSocket handshake against url.
// On a failed handshake the upstream's HTTP response, if any, is returned
// alongside the error with its body already closed.
func (c *UpstreamClient) DialWebSocket(ctx context.Context, url string, header http.Header, subprotocols []string) (*websocket.Conn, *http.Response, error) {
	d := *c.wsDialer
	d.Subprotocols = subprotocols

	conn, resp, err := d.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil && err != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, resp, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return conn, resp, nil
}

// OpenConns returns the number of upstream connections currently open.
func (c *UpstreamClient) OpenConns() int64 {
	return c.open.Load()
}

// trackedConn decrements the open-connection count exactly once on Close.
// A non-zero idle pushes the read deadline forward before every read, so a
// stalled upstream fails the read instead of holding the connection forever.
type trackedConn struct {
	net.Conn
	idle    time.Duration
	once    sync.Once
	onClose func()
}

func (t *trackedConn) Read(p []byte) (int, error) {
	if t.idle > 0 {
		if err := t.Conn.SetReadDeadline(time.Now().Add(t.idle)); err != nil {
			return 0, err
		}
	}
	return t.Conn.Read(p)
}

func (t *trackedConn) Close() error {
	err := t.Conn.Close()
	t.once.Do(t.onClose)
	return err
}
