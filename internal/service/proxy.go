// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"ssr-proxy-go/internal/client"
	"ssr-proxy-go/internal/model"
)

// ErrUpstreamConnect is returned when no connection to the upstream could be established.
var ErrUpstreamConnect = errors.New("upstream connect failed")

// hopByHopHeaders apply to a single transport connection and are never
// forwarded (RFC 7230 §6.1). Headers listed in Connection are dropped too.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService forwards one request per call to the resolved upstream.
type ProxyService struct {
	client *client.UpstreamClient
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends pr to target over a fresh connection and returns the
// upstream response with its body still streaming. The caller is
// responsible for closing the response body, which also tears down the
// upstream connection.
//
// Method, path, query, body and end-to-end headers are passed through
// unchanged; Host becomes the target address.
func (s *ProxyService) Forward(pr *model.ProxyRequest, target model.UpstreamTarget) (*model.ProxyResponse, error) {
	upstreamURL := buildUpstreamURL(target, pr.Path, pr.RawQuery)
	header := filterHeaders(pr.Header)

	// Go's transport adds its own User-Agent unless one is set; an explicit
	// empty value suppresses it so a request without one stays without one.
	if _, ok := header["User-Agent"]; !ok {
		header["User-Agent"] = []string{""}
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"upstream", target.Addr(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body, pr.ContentLength)
	if err != nil {
		if isDialError(err) {
			return nil, fmt.Errorf("forward to %s: %w: %w", target.Addr(), ErrUpstreamConnect, err)
		}
		return nil, fmt.Errorf("forward to %s: %w", target.Addr(), err)
	}

	resp.Header = filterHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins target with the escaped request path and raw query.
func buildUpstreamURL(target model.UpstreamTarget, path, rawQuery string) string {
	if path == "" {
		path = "/"
	}
	u := "http://" + target.Addr() + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// filterHeaders copies src without hop-by-hop headers. Value order per key
// is preserved.
func filterHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}

	// Headers nominated by Connection are hop-by-hop as well.
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}

func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
