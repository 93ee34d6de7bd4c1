// Package api serves the CLI's status endpoints: health, metrics and recent logs.
package api

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pointmap/internal/logger"
	"github.com/basekick-labs/pointmap/internal/metrics"
)

// HealthCheck reports component details. A non-nil error marks the process degraded.
type HealthCheck func(ctx context.Context) (map[string]interface{}, error)

// Server is the status HTTP server
type Server struct {
	app     *fiber.App
	addr    string
	metrics *metrics.Metrics
	logs    *logger.LogBuffer
	health  HealthCheck
	started time.Time
	logger  zerolog.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         ":9100",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates the server and registers its routes. logs may be nil.
func NewServer(config *ServerConfig, m *metrics.Metrics, logs *logger.LogBuffer, health HealthCheck, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if m == nil {
		m = metrics.Get()
	}

	app := fiber.New(fiber.Config{
		AppName:               "pointmap",
		ReadTimeout:           config.ReadTimeout,
		WriteTimeout:          config.WriteTimeout,
		IdleTimeout:           config.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
	})
	app.Use(recover.New())

	s := &Server{
		app:     app,
		addr:    config.Addr,
		metrics: m,
		logs:    logs,
		health:  health,
		started: time.Now(),
		logger:  logger.With().Str("component", "api-server").Logger(),
	}

	app.Get("/health", s.healthHandler)
	app.Get("/metrics", s.metricsHandler)
	app.Get("/api/v1/metrics", s.apiMetricsHandler)
	app.Get("/api/v1/logs", s.logsHandler)
	return s
}

// healthHandler returns 200 when healthy and 503 when a health check fails
func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.started)
	body := fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": uptime.Seconds(),
		"goroutines": runtime.NumGoroutine(),
	}
	if s.health == nil {
		return c.JSON(body)
	}

	details, err := s.health(c.UserContext())
	for k, v := range details {
		body[k] = v
	}
	if err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	return c.JSON(body)
}

// metricsHandler returns metrics in Prometheus format, or JSON when asked for it
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if c.Get("Accept") == "application/json" {
		return c.JSON(s.metrics.Snapshot())
	}
	c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(s.metrics.PrometheusFormat())
}

// apiMetricsHandler returns all metrics in JSON format (API v1)
func (s *Server) apiMetricsHandler(c *fiber.Ctx) error {
	snapshot := s.metrics.Snapshot()
	snapshot["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return c.JSON(snapshot)
}

// logsHandler returns recent warnings and errors
func (s *Server) logsHandler(c *fiber.Ctx) error {
	if s.logs == nil {
		return fiber.NewError(fiber.StatusNotFound, "log capture is disabled")
	}
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	level := c.Query("level")
	entries := s.logs.Recent(limit, level)

	return c.JSON(fiber.Map{
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"count":        len(entries),
		"limit":        limit,
		"level_filter": level,
		"logs":         entries,
	})
}

// App returns the underlying Fiber app
func (s *Server) App() *fiber.App { return s.app }

// Start listens in the background. A listen failure is logged.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.addr).Msg("Starting status server")
	go func() {
		if err := s.app.Listen(s.addr); err != nil {
			s.logger.Error().Err(err).Msg("Status server stopped")
		}
	}()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Status server stopped")
	return nil
}

// customErrorHandler handles Fiber errors
func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Msg("Request error")

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}
