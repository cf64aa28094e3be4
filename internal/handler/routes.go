package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ssr-proxy-go/internal/config"
	"ssr-proxy-go/internal/metrics"
)

// Routes groups the handlers RegisterRoutes wires. Admin may be nil when
// the admin endpoints are disabled.
type Routes struct {
	Proxy  *ProxyHandler
	Health *HealthHandler
	Admin  *AdminHandler
}

// RegisterRoutes wires all route handlers onto the Echo instance. Local
// routes are static and win over the catch-all, so everything else reaches
// the proxy untouched.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, r Routes) {
	ops := cfg.Ops.Prefix
	e.GET(ops+"/healthz", r.Health.Healthz)
	e.GET(ops+"/status", r.Health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	if cfg.Admin.Enabled && r.Admin != nil {
		anyMethod(e, cfg.Admin.Prefix, r.Admin.Dispatch)
		anyMethod(e, cfg.Admin.Prefix+"/*", r.Admin.Dispatch)
	}

	anyMethod(e, "/", r.Proxy.Handle)
	anyMethod(e, "/*", r.Proxy.Handle)
}

// anyMethod routes every method on path to h. Any only covers echo's fixed
// method list; the route's not-found handler catches the rest (PURGE, MKCOL,
// ...) so they reach h instead of echo's 405.
func anyMethod(e *echo.Echo, path string, h echo.HandlerFunc) {
	e.Any(path, h)
	e.RouteNotFound(path, h)
}
