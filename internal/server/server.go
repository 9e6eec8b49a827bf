// Package server is the HTTP request intake: it validates migration
// documents and hands them to the job runner.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"kumo/internal/jobs"
	"kumo/internal/logging"
	"kumo/internal/migration"
)

// maxBodySize bounds a migration document; credentials included it is a few KiB
const maxBodySize = "1M"

// Submitter accepts migrations and reports their state
type Submitter interface {
	Submit(ctx context.Context, spec *migration.Spec) (string, error)
	Get(ctx context.Context, id string) (*jobs.State, error)
}

// Server represents the kumo HTTP intake
type Server struct {
	echo *echo.Echo
	jobs Submitter
}

// NewServer creates a new Server
func NewServer(submitter Submitter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logging.Logger().Info("request", fields...)
			return nil
		},
	}))

	s := &Server{echo: e, jobs: submitter}
	e.POST("/migrate", s.migrate)
	e.GET("/migrations/:id", s.status)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// Handler exposes the routes, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.echo
}

// migrate accepts a migration document and answers 201 with no body once it
// is queued
func (s *Server) migrate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	spec, err := migration.ParseSpec(body)
	if err != nil {
		logging.Logger().Info("rejected migration request", zap.String("reason", logging.Truncate(err.Error())))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id, err := s.jobs.Submit(c.Request().Context(), spec)
	if err != nil {
		logging.Logger().Error("failed to submit migration", zap.String("vm", spec.VirtualMachine), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue migration")
	}

	c.Response().Header().Set("Location", "/migrations/"+id)
	return c.NoContent(http.StatusCreated)
}

func (s *Server) status(c echo.Context) error {
	state, err := s.jobs.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, jobs.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, state)
}

// Start serves on listen until Shutdown is called
func (s *Server) Start(listen string) error {
	logging.Logger().Info("Starting HTTP server", zap.String("listen", listen))
	if err := s.echo.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
