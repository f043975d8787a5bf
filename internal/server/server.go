// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/config"
	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

// StatusClientClosedRequest is returned when the caller went away mid-run.
const StatusClientClosedRequest = 499

// Runner executes one request through the pipeline.
type Runner interface {
	Run(ctx context.Context, req *engine.EngineRequest, tier engine.UserTier) (*engine.EngineResponse, error)
}

// Server provides HTTP endpoints for the engine.
type Server struct {
	echo   *echo.Echo
	runner Runner
	logger *zap.Logger
	config config.ServerConfig
}

// GenerateRequest is the request body for POST /v1/generate.
type GenerateRequest struct {
	Query   string         `json:"query"`
	Tier    string         `json:"tier"`
	Context map[string]any `json:"context"`
	Options map[string]any `json:"options"`
}

// GenerateResponse is the response body for a successful run.
type GenerateResponse struct {
	Content string         `json:"content"`
	Debug   map[string]any `json:"debug,omitempty"`
}

// ErrorResponse is the response body for a failed run.
type ErrorResponse struct {
	Kind    engine.FailureKind `json:"kind"`
	Message string             `json:"message"`
	Debug   map[string]any     `json:"debug,omitempty"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// New creates a server. gatherer backs /metrics; nil uses the default registry.
func New(runner Runner, gatherer prometheus.Gatherer, logger *zap.Logger, cfg config.ServerConfig) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:   e,
		runner: runner,
		logger: logger,
		config: cfg,
	}

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	v1 := e.Group("/v1")
	v1.POST("/generate", s.handleGenerate)

	return s, nil
}

// Handler returns the underlying HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleGenerate(c echo.Context) error {
	var body GenerateRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Kind:    engine.KindInvalidRequest,
			Message: "invalid request body",
		})
	}
	if body.Tier == "" {
		body.Tier = engine.TierRegular.Value()
	}

	req, err := engine.NewRequest(body.Query, body.Context, body.Options)
	if err != nil {
		return s.writeFailure(c, err)
	}

	ctx := c.Request().Context()
	if budget := runBudget(s.config.WriteTimeout); budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	resp, err := s.runner.Run(ctx, req, engine.UserTier(body.Tier))
	if err != nil {
		return s.writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, GenerateResponse{Content: resp.Content, Debug: resp.Debug})
}

func (s *Server) writeFailure(c echo.Context, err error) error {
	out := ErrorResponse{Kind: engine.KindOf(err), Message: err.Error()}
	var failure *engine.Failure
	if errors.As(err, &failure) {
		out.Message = failure.Message
		out.Debug = failure.Debug
	}
	status := StatusFor(out.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("generation failed", zap.String("kind", string(out.Kind)), zap.Error(err))
	}
	return c.JSON(status, out)
}

// runBudget is how long a run may take so its failure can still be written
// before the server's write deadline. Zero means no limit.
func runBudget(writeTimeout time.Duration) time.Duration {
	if writeTimeout <= 0 {
		return 0
	}
	return writeTimeout - min(time.Second, writeTimeout/10)
}

// StatusFor maps a failure kind to an HTTP status code.
func StatusFor(kind engine.FailureKind) int {
	switch kind {
	case engine.KindInvalidTier, engine.KindInvalidRequest:
		return http.StatusBadRequest
	case engine.KindCancelled:
		return StatusClientClosedRequest
	case engine.KindConsistencyUnresolved:
		return http.StatusUnprocessableEntity
	case engine.KindConsistencyTimeout:
		return http.StatusGatewayTimeout
	case engine.KindUnderstandingFailed, engine.KindRetrievalUnavailable, engine.KindPlanningFailed,
		engine.KindWritingFailed, engine.KindConsistencyCheckFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Address))
	if err := s.echo.Start(s.config.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
