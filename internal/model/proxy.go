// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
)

// UpstreamTarget is the backend a request is forwarded to. It is resolved
// once per request and never changes for that request's lifetime.
type UpstreamTarget struct {
	Host string
	Port int
}

// Addr returns the target as host:port.
func (t UpstreamTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ProxyRequest represents a client request to be forwarded upstream.
// Body is a single-pass stream and is consumed by exactly one forward.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
	// ContentLength mirrors http.Request.ContentLength; -1 means unknown.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
