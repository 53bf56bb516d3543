// Package httpapi provides the HTTP API for recalld.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/gateway"
	"github.com/fyrsmithlabs/recalld/internal/retention"
)

// Server exposes the admission gateway and retention trigger over HTTP.
type Server struct {
	echo      *echo.Echo
	gateway   *gateway.Gateway
	scheduler *retention.Scheduler
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the HTTP server. The scheduler may be nil, in which
// case the retention trigger endpoint reports the feature unavailable.
func NewServer(gw *gateway.Gateway, scheduler *retention.Scheduler, logger *zap.Logger, cfg *Config) (*Server, error) {
	if gw == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9190}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:      e,
		gateway:   gw,
		scheduler: scheduler,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/search", s.handleSearch)
	v1.POST("/retention/run", s.handleRetentionRun)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`

	// RetryAfterSeconds is set only for rate-limited requests.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// handleSearch runs a similarity search through the admission gateway.
// The caller's identity comes from the bearer token; auth itself is
// terminated upstream, so the token payload is used as the client ID.
func (s *Server) handleSearch(c echo.Context) error {
	var req gateway.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid search request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	req.ClientID = clientID(c)

	resp, err := s.gateway.Handle(c.Request().Context(), req)
	if err != nil {
		return s.writeGatewayError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// writeGatewayError maps the gateway error taxonomy onto HTTP statuses.
func (s *Server) writeGatewayError(c echo.Context, err error) error {
	var rle *gateway.RateLimitError
	if errors.As(err, &rle) {
		seconds := int(rle.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		return c.JSON(http.StatusTooManyRequests, ErrorResponse{
			Error:             gateway.ErrRateLimited.Error(),
			RetryAfterSeconds: seconds,
		})
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrMissingIdentity):
		status = http.StatusUnauthorized
	case errors.Is(err, gateway.ErrInvalidCollection),
		errors.Is(err, gateway.ErrMaliciousInput),
		errors.Is(err, gateway.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, gateway.ErrPayloadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, gateway.ErrIndexUnavailable),
		errors.Is(err, gateway.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, ErrorResponse{Error: err.Error()})
}

// RetentionRunResponse summarizes an on-demand retention cycle.
type RetentionRunResponse struct {
	Removed         int           `json:"removed"`
	DurationSeconds string        `json:"duration"`
	Passes          []PassSummary `json:"passes"`
}

// PassSummary is one retention pass in a RetentionRunResponse.
type PassSummary struct {
	Name     string `json:"name"`
	Removed  int    `json:"removed"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// handleRetentionRun triggers a retention cycle on demand.
func (s *Server) handleRetentionRun(c echo.Context) error {
	if s.scheduler == nil {
		return c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "retention is not enabled"})
	}

	result, err := s.scheduler.TriggerNow(c.Request().Context())
	if errors.Is(err, retention.ErrCycleInProgress) {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	}
	if err != nil && result == nil {
		s.logger.Error("on-demand retention cycle failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "retention cycle failed"})
	}

	resp := RetentionRunResponse{
		Removed:         result.Removed,
		DurationSeconds: result.Duration.String(),
	}
	for _, p := range result.Passes {
		ps := PassSummary{Name: p.Name, Removed: p.Removed, Duration: p.Duration.String()}
		if p.Err != nil {
			ps.Error = p.Err.Error()
		}
		resp.Passes = append(resp.Passes, ps)
	}
	if err != nil {
		// Cycle ran but failed after retries; report what it did anyway.
		return c.JSON(http.StatusInternalServerError, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// clientID extracts the caller identity from the Authorization header.
// Upstream auth is trusted; an empty result is rejected by the gateway.
func clientID(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
