// Package server exposes the trigger API: a small HTTP surface to run
// syncs and exports, manage mappings and scrape metrics. It is meant for
// operators and schedulers on a trusted network, not for end users.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dhis2bridge/internal/services/export"
	"dhis2bridge/internal/services/mapping"
	"dhis2bridge/internal/services/sync"
)

// Server is the HTTP trigger API
type Server struct {
	echo    *echo.Echo
	sync    *sync.Service
	export  *export.Service
	mapping *mapping.Service
	logger  zerolog.Logger
	port    int
}

// New creates the HTTP server and registers all routes
func New(syncSvc *sync.Service, exportSvc *export.Service, mappingSvc *mapping.Service, logger zerolog.Logger, port int, timeout time.Duration) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if timeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{Timeout: timeout}))
	}

	s := &Server{
		echo:    e,
		sync:    syncSvc,
		export:  exportSvc,
		mapping: mappingSvc,
		logger:  logger.With().Str("component", "http").Logger(),
		port:    port,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiGroup := s.echo.Group("/api")
	apiGroup.POST("/servers/:id/sync", s.triggerSync)
	apiGroup.POST("/servers/:id/export", s.triggerExport)
	apiGroup.GET("/servers/:id/mappings", s.listMappings)
	apiGroup.POST("/servers/:id/mappings", s.createMapping)
	apiGroup.PATCH("/mappings/:id", s.updateMapping)
	apiGroup.DELETE("/mappings/:id", s.deleteMapping)
	apiGroup.GET("/servers/:id/mappings/portable", s.exportMappings)
	apiGroup.POST("/servers/:id/mappings/portable", s.importMappings)
}

// Start blocks serving HTTP until Shutdown
func (s *Server) Start() error {
	s.logger.Info().Int("port", s.port).Msg("trigger API listening")
	err := s.echo.Start(fmt.Sprintf(":%d", s.port))
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) triggerSync(c echo.Context) error {
	summary, err := s.sync.Run(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

type exportRequest struct {
	Period string `json:"period"`
	DryRun bool   `json:"dry_run"`
}

func (s *Server) triggerExport(c echo.Context) error {
	var req exportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Period == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "period is required")
	}

	summary, err := s.export.Run(c.Request().Context(), export.Request{
		ServerID: c.Param("id"),
		Period:   req.Period,
		DryRun:   req.DryRun,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) listMappings(c echo.Context) error {
	mappings, err := s.mapping.List(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, mappings)
}

func (s *Server) createMapping(c echo.Context) error {
	var req mapping.CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.ServerID = c.Param("id")

	m, err := s.mapping.Create(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) updateMapping(c echo.Context) error {
	var req mapping.UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	m, err := s.mapping.Update(c.Param("id"), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) deleteMapping(c echo.Context) error {
	if err := s.mapping.Delete(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) exportMappings(c echo.Context) error {
	file, err := s.mapping.Export(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, file)
}

func (s *Server) importMappings(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	outcome, err := s.mapping.Import(c.Param("id"), data)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, outcome)
}
