package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"ntlm-proxy-go/internal/client"
	"ntlm-proxy-go/internal/config"
	"ntlm-proxy-go/internal/credential"
	"ntlm-proxy-go/internal/handler"
	"ntlm-proxy-go/internal/metrics"
	"ntlm-proxy-go/internal/middleware"
	"ntlm-proxy-go/internal/server"
	"ntlm-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("ntlm-proxy"),
		kong.Description("Local HTTP proxy that forwards requests to one upstream with NTLM credentials attached."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)
	kctx.FatalIfErrorf(config.LoadEnvFile(cli.EnvFile))

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			l := &fxevent.SlogLogger{Logger: logger}
			l.UseLogLevel(slog.LevelDebug)
			return l
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			client.NewUpstreamClient,
			func(c *client.UpstreamClient) service.Sender { return c },
			credential.NewProvider,
			service.NewProxyService,
			server.New,
			func(s *server.Server) handler.PortReporter { return s },
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, runServer),
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

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. Writes are bounded by
	// the upstream timeout times the attempt count, so WriteTimeout stays off.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Server.AdminPrefix))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if rl := middleware.RateLimit(cfg.Server.RateLimit, logger); rl != nil {
		e.Use(rl)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func runServer(lc fx.Lifecycle, srv *server.Server, uc *client.UpstreamClient, svc *service.ProxyService, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Start(); err != nil {
				return err
			}
			logger.Info("proxy ready",
				"port", srv.Port(),
				"upstream", svc.Upstream().Redacted(),
				"max_retries", svc.MaxRetries(),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			defer uc.CloseIdleConnections()
			return srv.Close(ctx)
		},
	})
}
