package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"ssr-proxy-go/internal/admin"
	"ssr-proxy-go/internal/bridge"
	"ssr-proxy-go/internal/client"
	"ssr-proxy-go/internal/config"
	"ssr-proxy-go/internal/handler"
	"ssr-proxy-go/internal/metrics"
	"ssr-proxy-go/internal/middleware"
	"ssr-proxy-go/internal/mode"
	"ssr-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("ssr-proxy"),
		kong.Description("Mode-aware reverse proxy for a server-rendered web app, with live-reload WebSocket bridging in dev mode."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			mode.NewStore,
			client.NewUpstreamClient,
			service.NewProxyService,
			bridge.New,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			newAdminHandler,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, warnMode, startServer, startConfigWatcher),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Reload.Path, cfg.Ops.Prefix, cfg.Admin.Prefix)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0: SSR responses are streamed and the reload
	// WebSocket lives for the whole dev session.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))

	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	if cfg.Server.SecurityHeaders {
		e.Use(middleware.SecurityHeaders())
	}
	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond, cfg.Ops.Prefix))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// newAdminHandler opens the admin store when the admin endpoints are
// enabled. It returns nil otherwise.
func newAdminHandler(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*handler.AdminHandler, error) {
	if !cfg.Admin.Enabled {
		return nil, nil
	}

	store, err := admin.OpenStore(cfg.Admin.Database)
	if err != nil {
		return nil, fmt.Errorf("admin store: %w", err)
	}
	svc := admin.NewService(store, logger)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := svc.CreateStorageTable(ctx); err != nil {
				return err
			}
			logger.Info("admin endpoints enabled", "prefix", cfg.Admin.Prefix, "database", cfg.Admin.Database)
			return nil
		},
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})

	return handler.NewAdminHandler(svc, logger), nil
}

type routeParams struct {
	fx.In

	Echo    *echo.Echo
	Config  *config.Config
	Metrics *metrics.Metrics
	Proxy   *handler.ProxyHandler
	Health  *handler.HealthHandler
	Admin   *handler.AdminHandler
}

func registerRoutes(p routeParams) {
	handler.RegisterRoutes(p.Echo, p.Config, p.Metrics, handler.Routes{
		Proxy:  p.Proxy,
		Health: p.Health,
		Admin:  p.Admin,
	})
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func warnMode(modes *mode.Store, logger *slog.Logger) {
	target, settings, err := modes.Resolve()
	if err != nil {
		logger.Warn("no mode configured; every request will get 404 until MODE is set",
			"mode", settings.Active,
		)
		return
	}
	logger.Info("mode resolved", "mode", settings.Active, "upstream", target.Addr())
}

func startServer(lc fx.Lifecycle, e *echo.Echo, br *bridge.Bridge, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server", "bridge_sessions", br.Active())
			err := e.Shutdown(ctx)
			// Hijacked WebSocket connections are not tracked by http.Server.
			if berr := br.Shutdown(ctx); berr != nil && err == nil {
				err = berr
			}
			return err
		},
	})
}

// startConfigWatcher hot-reloads the mode on config file changes and on SIGHUP.
func startConfigWatcher(lc fx.Lifecycle, cli *config.CLI, cfg *config.Config, modes *mode.Store, logger *slog.Logger) {
	w := config.NewWatcher(cli, cfg, logger)
	apply := func(next *config.Config) {
		cur := mode.FromConfig(next)
		prev := modes.Swap(cur)
		if prev != cur {
			logger.Info("mode updated",
				"from", prev.Active, "to", cur.Active,
				"dev_port", cur.DevPort, "prod_port", cur.ProdPort,
			)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	hup := make(chan os.Signal, 1)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				if err := w.Watch(ctx, apply); err != nil {
					logger.Error("config watcher stopped", "err", err)
				}
			}()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						if err := w.Reload(apply); err != nil {
							logger.Warn("reload on SIGHUP failed", "err", err)
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			signal.Stop(hup)
			cancel()
			return nil
		},
	})
}
