package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-session/config"
	adapterhandler "marketplace-session/internal/adapter/handler"
	"marketplace-session/internal/bootstrap"
	infratoken "marketplace-session/internal/infrastructure/token"
	appmiddleware "marketplace-session/middleware"
	"marketplace-session/utils/logger"
	"marketplace-session/utils/otel"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Handle healthcheck subcommand (for container healthchecks)
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		if err := runHealthcheck(); err != nil {
			fmt.Fprintf(os.Stderr, "Healthcheck failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	otelCfg := otel.ConfigFromEnv()
	otelShutdown, err := otel.InitProvider(ctx, otelCfg)
	if err != nil {
		slog.Warn("failed to initialize OpenTelemetry, continuing without tracing", "error", err)
		otelCfg.Enabled = false
		otelShutdown = func(context.Context) error { return nil }
	}

	log := logger.Init(otelCfg.Enabled)

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.InfoContext(ctx, "configuration loaded",
		"identity_provider", cfg.IdentityProvider,
		"storage_driver", cfg.StorageDriver,
		"backend_url", cfg.BackendURL,
		"port", cfg.Port)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	session, err := bootstrap.NewSession(cfg, log, bootstrap.Options{Registerer: registry})
	if err != nil {
		slog.ErrorContext(ctx, "failed to build session manager", "error", err)
		os.Exit(1)
	}
	if err := session.Manager.Start(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to start session manager", "error", err)
		_ = session.Close()
		os.Exit(1)
	}
	slog.InfoContext(ctx, "session restored", "state", session.Manager.State().String())

	csrfGenerator := infratoken.NewHMACCSRFGenerator(cfg.CSRFSecret)
	if cfg.CSRFSecret == "" {
		slog.WarnContext(ctx, "CSRF_SECRET is empty, mutating session routes will be rejected")
	}

	// Handlers
	sessionHandler := adapterhandler.NewSessionHandler(session.Manager)
	accountHandler := adapterhandler.NewAccountHandler(session.Manager)
	csrfHandler := adapterhandler.NewCSRFHandler(csrfGenerator, cfg.CookieSecure)
	healthHandler := adapterhandler.NewHealthHandler(session.Manager)
	guard := appmiddleware.NewRouteGuard(session.Manager, cfg.SignInPath)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(appmiddleware.SecurityHeaders(cfg.CookieSecure))
	e.Use(middleware.RequestID())

	if otelCfg.Enabled {
		e.Use(otelecho.Middleware(otelCfg.ServiceName))
		e.Use(appmiddleware.OTelStatusMiddleware())
	}

	e.Use(appmiddleware.RequestContext(session.Manager))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == "/health" || c.Request().URL.Path == "/metrics"
		},
		LogStatus:   true,
		LogURI:      true,
		LogError:    true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			rctx := c.Request().Context()
			if v.Error == nil {
				logger.GlobalContext.LogDuration(rctx, "http_request", v.Latency)
				slog.InfoContext(rctx, "request completed",
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status)
			} else {
				logger.GlobalContext.LogError(rctx, "http_request", v.Error)
			}
			return nil
		},
	}))

	e.Use(middleware.Recover())

	// Rate limiters per endpoint group
	signInRL := appmiddleware.NewRateLimiter(ctx, 10.0/60.0, 5) // 10 req/min
	accountRL := appmiddleware.NewRateLimiter(ctx, 5.0/60.0, 3) // 5 req/min
	readRL := appmiddleware.NewRateLimiter(ctx, 120.0/60.0, 20) // 120 req/min

	e.GET("/health", healthHandler.Handle)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		appmiddleware.InternalAuth(cfg.MetricsToken))
	e.GET("/csrf", csrfHandler.Handle, readRL.Middleware())

	api := e.Group("/api/session",
		appmiddleware.CSRFProtect(csrfGenerator, adapterhandler.ClientCookie, adapterhandler.CSRFTokenHeader))
	api.GET("", sessionHandler.Get, readRL.Middleware())
	api.POST("/sign-in", sessionHandler.SignIn, signInRL.Middleware())
	api.POST("/google", sessionHandler.Google, signInRL.Middleware())
	api.POST("/sign-out", sessionHandler.SignOut)
	api.POST("/sign-up", accountHandler.SignUp, accountRL.Middleware())
	api.POST("/reset-password", accountHandler.ResetPassword, accountRL.Middleware())
	api.GET("/profile", sessionHandler.Profile, guard.RequireSession(), readRL.Middleware())

	address := fmt.Sprintf(":%s", cfg.Port)
	slog.InfoContext(ctx, "starting marketplace-session server", "address", address)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(e.Shutdown(shutdownCtx), session.Close())
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return otelShutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited properly")
}

// runHealthcheck performs a health check against the local server.
func runHealthcheck() error {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8787"
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%s/health", port))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned status: %d", resp.StatusCode)
	}
	return nil
}
