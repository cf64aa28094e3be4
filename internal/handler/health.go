package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ssr-proxy-go/internal/bridge"
	"ssr-proxy-go/internal/client"
	"ssr-proxy-go/internal/mode"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	version Version
	modes   *mode.Store
	bridge  *bridge.Bridge
	client  *client.UpstreamClient
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(v Version, modes *mode.Store, br *bridge.Bridge, c *client.UpstreamClient) *HealthHandler {
	return &HealthHandler{version: v, modes: modes, bridge: br, client: c}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of the status endpoint.
type statusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Mode           string `json:"mode"`
	Upstream       string `json:"upstream,omitempty"`
	BridgeSessions int    `json:"bridge_sessions"`
	UpstreamConns  int64  `json:"upstream_conns"`
}

// Status returns proxy status information. With no mode configured the
// proxy is still healthy; it reports an empty mode and no upstream.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:         "ok",
		Version:        string(h.version),
		BridgeSessions: h.bridge.Active(),
		UpstreamConns:  h.client.OpenConns(),
	}
	if target, settings, err := h.modes.Resolve(); err == nil {
		resp.Mode = settings.Active
		resp.Upstream = target.Addr()
	}
	return c.JSON(http.StatusOK, resp)
}
