package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"ssr-proxy-go/internal/bridge"
	"ssr-proxy-go/internal/config"
	"ssr-proxy-go/internal/mode"
	"ssr-proxy-go/internal/model"
	"ssr-proxy-go/internal/service"
)

// noModeBody is the fixed body returned for every request while no mode is set.
const noModeBody = "No mode set"

// streamBufSize is the chunk size for relaying upstream bodies. Each chunk
// is flushed as soon as it is written so streamed SSR output is not held back.
const streamBufSize = 32 * 1024

// ProxyHandler is the single entry point for proxied traffic. For each
// request it resolves the active mode, then either bridges the live-reload
// WebSocket or forwards the request to the upstream.
type ProxyHandler struct {
	modes      *mode.Store
	service    *service.ProxyService
	bridge     *bridge.Bridge
	reloadPath string
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(cfg *config.Config, modes *mode.Store, svc *service.ProxyService, br *bridge.Bridge, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		modes:      modes,
		service:    svc,
		bridge:     br,
		reloadPath: cfg.Reload.Path,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle dispatches one inbound request.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, settings, err := h.modes.Resolve()
	if err != nil {
		return h.mapError(c, err)
	}

	if bridge.Eligible(req, settings, h.reloadPath) {
		return h.serveBridge(c, target)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr, target)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	h.stream(c, resp.Body)
	return nil
}

// stream copies body to the client, flushing after every chunk. The status
// line is already out, so an upstream failure mid-body can only be reported
// by aborting the client connection; net/http recovers http.ErrAbortHandler
// without logging a stack trace.
func (h *ProxyHandler) stream(c echo.Context, body io.Reader) {
	buf := make([]byte, streamBufSize)
	w := c.Response()
	path := c.Request().URL.Path

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				h.logger.Debug("client went away during response", "err", err, "path", path)
				return
			}
			w.Flush()
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			if errors.Is(readErr, context.Canceled) {
				h.logger.Debug("client went away during response", "err", readErr, "path", path)
				return
			}
			h.logger.Error("upstream body interrupted", "err", readErr, "path", path)
			panic(http.ErrAbortHandler)
		}
	}
}

func (h *ProxyHandler) serveBridge(c echo.Context, target model.UpstreamTarget) error {
	err := h.bridge.Serve(c.Response(), c.Request(), target)
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrUpgrade):
		// The upgrader already answered with 400.
		h.logger.Warn("live-reload upgrade rejected", "err", err)
	default:
		h.logger.Error("live-reload session failed", "err", err, "upstream", target.Addr())
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, mode.ErrNoMode) {
		return c.String(http.StatusNotFound, noModeBody)
	}

	h.logger.Error("proxy error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrUpstreamConnect) {
		return c.String(http.StatusBadGateway, "upstream connection failed")
	}

	if errors.Is(err, context.Canceled) {
		return c.String(http.StatusBadGateway, "client disconnected")
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.String(http.StatusGatewayTimeout, "upstream request timed out")
	}

	return c.String(http.StatusBadGateway, "upstream request failed")
}
