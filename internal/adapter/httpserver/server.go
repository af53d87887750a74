// Package httpserver exposes the control API: miner lifecycle, device-code
// auth, the channel points dashboard, health and Prometheus metrics.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jackra1n/Lurk/internal/config"
	"github.com/jackra1n/Lurk/internal/dashboard"
	"github.com/jackra1n/Lurk/internal/domain"
	"github.com/jackra1n/Lurk/internal/twitch"
)

type minerService interface {
	Start(ctx context.Context) domain.StartResult
	Stop(ctx context.Context)
	Status() domain.MinerStatus
	RuntimeStates() []domain.RuntimeState
	BalanceByLogin() map[string]int
	LastStartResult() *domain.StartResult
}

type authService interface {
	AuthToken() string
	Status() twitch.AuthStatus
	StartDeviceFlow(ctx context.Context) (*twitch.DeviceCode, error)
	CancelPendingLogin()
	ValidateToken(ctx context.Context) (bool, error)
	Logout()
}

type streamerStore interface {
	Streamers() []string
	AddStreamer(name string)
	RemoveStreamer(name string)
}

type analyticsRepo interface {
	ChannelPointsAnalytics(ctx context.Context, q dashboard.Query) (*dashboard.Analytics, error)
}

// HealthCheck is a named dependency probe run by the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	miner     minerService
	auth      authService
	settings  streamerStore
	analytics analyticsRepo

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, miner minerService, auth authService, settings streamerStore, analytics analyticsRepo, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		miner:        miner,
		auth:         auth,
		settings:     settings,
		analytics:    analytics,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger())

	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/miner", s.handleMinerStatus)
	api.POST("/miner", s.handleMinerAction)
	api.GET("/auth", s.handleAuthStatus)
	api.POST("/auth", s.handleAuthAction)
	api.GET("/dashboard/channel-points", s.handleChannelPointsAnalytics)
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			slog.LogAttrs(c.Request().Context(), level, "HTTP request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	})
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
