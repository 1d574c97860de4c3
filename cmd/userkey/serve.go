package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getkayan/userkey/api"
	"github.com/getkayan/userkey/core/health"
	"github.com/getkayan/userkey/core/logger"
	"github.com/getkayan/userkey/core/telemetry"
	"github.com/getkayan/userkey/core/userkey"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// backlogThreshold is the number of outstanding keys above which the
// health report turns degraded.
const backlogThreshold = 10000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `
Usage: userkey serve

  Serves the issuance web service, the browser login endpoints, the admin
  settings endpoints and the health probes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if len(a.cfg.CallerSecret) == 0 {
		logger.Log.Warn("CALLER_SECRET is empty, the issuance web service will reject every call")
	}

	tel, err := telemetry.NewProvider(telemetry.Config{
		ServiceName:    "userkey",
		ServiceVersion: Version,
		Environment:    a.cfg.Environment,
		OTLPEndpoint:   a.cfg.OTLPEndpoint,
		SamplingRate:   a.cfg.TraceSamplingRate,
		Enabled:        a.cfg.TelemetryEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Log.Warn("failed to flush telemetry", zap.Error(err))
		}
	}()

	a.logouts.Telemetry = tel

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	if a.cfg.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	h := api.NewHandler(api.Deps{
		Resolver:     a.resolver,
		Keys:         a.keys,
		Activator:    a.activator,
		Gate:         a.gate,
		Settings:     a.settings,
		Sessions:     a.sessions,
		Audit:        a.audit,
		Telemetry:    tel,
		BaseURL:      a.cfg.BaseURL,
		CallerSecret: []byte(a.cfg.CallerSecret),
		AdminSecret:  []byte(a.cfg.AdminSecret),
	})
	h.RegisterRoutes(e)

	checks := a.healthManager()
	e.GET("/healthz", checks.LiveHandler)
	e.GET("/ready", checks.ReadyHandler)
	e.GET("/health", checks.FullHandler)
	if a.cfg.TelemetryEnabled {
		e.GET("/metrics", echo.WrapHandler(tel.Handler()))
	}

	if a.cfg.PurgeInterval > 0 {
		go a.retentionManager(a.cfg.AuditRetention).Run(ctx, a.cfg.PurgeInterval)
	}

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		logger.Log.Info("starting server", zap.String("addr", addr), zap.String("version", Version))
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func (a *app) healthManager() *health.Manager {
	m := health.NewManager(Version, health.WithTimeout(3*time.Second))
	m.Register(health.NewPingChecker("database", a.repo.Ping, true))

	if a.redis != nil {
		critical := a.cfg.KeyBackend == "redis"
		m.Register(health.NewPingChecker("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}, critical))
	}
	if a.mongo != nil {
		m.Register(health.NewPingChecker("mongo", func(ctx context.Context) error {
			return a.mongo.Ping(ctx, readpref.Primary())
		}, true))
	}

	m.Register(health.NewBacklogChecker(func(ctx context.Context) (int64, error) {
		return a.keyStore.CountKeys(ctx, userkey.Script, "")
	}, backlogThreshold))
	m.RegisterFunc("settings", settingsCheck(a.settings))
	return m
}

// settingsCheck degrades the service while the stored settings are invalid:
// issuance and the login page fail until an administrator repairs them.
func settingsCheck(svc *userkey.SettingsService) func(ctx context.Context) *health.Check {
	return func(ctx context.Context) *health.Check {
		s, err := svc.Stored(ctx)
		if err != nil {
			return &health.Check{Name: "settings", Status: health.StatusUnhealthy, Message: err.Error()}
		}
		if err := userkey.CheckSettings(s); err != nil {
			return &health.Check{Name: "settings", Status: health.StatusDegraded, Message: err.Error()}
		}
		return &health.Check{Name: "settings", Status: health.StatusHealthy}
	}
}
