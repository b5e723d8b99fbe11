// Package server exposes the session API over HTTP using echo.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hupe1980/insightmesh/core"
	"github.com/hupe1980/insightmesh/logging"
)

// Service is the application surface the handlers drive.
type Service interface {
	Submit(ctx context.Context, req core.Request) (string, error)
	Session(ctx context.Context, id string) (*core.Session, error)
	Sessions(ctx context.Context) []*core.Session
	DeleteSession(ctx context.Context, id string) bool
	Artifacts(ctx context.Context, sessionID string) ([]string, error)
	Artifact(ctx context.Context, sessionID, artifactID string) ([]byte, error)
	Export(ctx context.Context) ([]byte, error)
	Import(ctx context.Context, data []byte) (int, error)
}

// Options configures a Server.
type Options struct {
	Logger logging.Logger

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	// MaxBodyBytes limits request bodies, as an echo size string.
	MaxBodyBytes string
}

// Server wraps the echo instance serving the API.
type Server struct {
	echo    *echo.Echo
	handler *Handler
	logger  logging.Logger
}

// New builds the server and registers every route.
func New(svc Service, optFns ...func(o *Options)) *Server {
	opts := Options{MaxBodyBytes: "8M"}
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(opts.MaxBodyBytes))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("server.request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds())
			return nil
		},
	}))

	h := NewHandler(svc, logger)
	h.RegisterRoutes(e)

	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}

	return &Server{echo: e, handler: h, logger: logger}
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo { return s.echo }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.echo.ServeHTTP(w, r) }

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("server.start", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting up to timeout for in-flight requests.
func (s *Server) Shutdown(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
