// Package http provides the HTTP API for censusd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/metrolabs/censusd/internal/boundary"
	"github.com/metrolabs/censusd/internal/catalog"
	"github.com/metrolabs/censusd/internal/census"
	"github.com/metrolabs/censusd/internal/chat"
	"github.com/metrolabs/censusd/internal/search"
	"github.com/metrolabs/censusd/internal/stats"
)

// Searcher resolves free-text queries to variable descriptors.
// Implemented by search.Engine.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]catalog.Descriptor, error)
}

// StatService manages stat lifecycle. Implemented by stats.Service.
type StatService interface {
	Create(ctx context.Context, req stats.CreateRequest) (stats.Stat, error)
	Get(ctx context.Context, id string) (stats.Stat, error)
	List(ctx context.Context) ([]stats.Stat, error)
	Features(ctx context.Context, id string) ([]boundary.Feature, error)
	Refresh(ctx context.Context, id string) (stats.Stat, error)
	Delete(ctx context.Context, id string) error
}

// ChatRunner runs the conversational resolution loop. Implemented by
// chat.Loop.
type ChatRunner interface {
	Run(ctx context.Context, messages []chat.Message) (chat.Result, error)
}

// Defaults fill in dataset, year, and scope fields requests omit.
type Defaults struct {
	Year    string
	Dataset string
	Region  string
	State   string
}

// Config holds HTTP server configuration.
type Config struct {
	Host     string
	Port     int
	Defaults Defaults
}

// Server provides HTTP endpoints for censusd.
type Server struct {
	echo     *echo.Echo
	searcher Searcher
	svc      StatService
	chat     ChatRunner
	logger   *zap.Logger
	config   *Config
}

// NewServer creates a new HTTP server.
func NewServer(searcher Searcher, svc StatService, chatRunner ChatRunner, logger *zap.Logger, cfg *Config) (*Server, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher cannot be nil")
	}
	if svc == nil {
		return nil, fmt.Errorf("stat service cannot be nil")
	}
	if chatRunner == nil {
		return nil, fmt.Errorf("chat runner cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
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
		echo:     e,
		searcher: searcher,
		svc:      svc,
		chat:     chatRunner,
		logger:   logger,
		config:   cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.GET("/search", s.handleSearch)
	v1.POST("/stats", s.handleCreateStat)
	v1.GET("/stats", s.handleListStats)
	v1.GET("/stats/:id", s.handleGetStat)
	v1.GET("/stats/:id/features", s.handleStatFeatures)
	v1.POST("/stats/:id/refresh", s.handleRefreshStat)
	v1.DELETE("/stats/:id", s.handleDeleteStat)
	v1.POST("/chat", s.handleChat)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SearchResponse is the response body for GET /api/v1/search.
type SearchResponse struct {
	Query   string               `json:"query"`
	Results []catalog.Descriptor `json:"results"`
}

// CreateStatRequest is the request body for POST /api/v1/stats.
type CreateStatRequest struct {
	VariableID string       `json:"variableId"`
	Label      string       `json:"label"`
	Category   string       `json:"category"`
	Year       string       `json:"year"`
	Dataset    string       `json:"dataset"`
	City       string       `json:"city"`
	Scope      census.Scope `json:"scope"`
}

// ChatRequest is the request body for POST /api/v1/chat.
type ChatRequest struct {
	Messages []chat.Message `json:"messages"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSearch resolves a free-text query to variable descriptors. An
// empty result set is a 200 with an empty list, not an error.
func (s *Server) handleSearch(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}

	req := search.Request{
		Query:   query,
		Year:    c.QueryParam("year"),
		Dataset: c.QueryParam("dataset"),
		Refresh: c.QueryParam("refresh") == "true",
	}
	if req.Year == "" {
		req.Year = s.config.Defaults.Year
	}
	if req.Dataset == "" {
		req.Dataset = s.config.Defaults.Dataset
	}

	results, err := s.searcher.Search(c.Request().Context(), req)
	if err != nil {
		return s.mapError(c, err, "search failed")
	}
	if results == nil {
		results = []catalog.Descriptor{}
	}

	return c.JSON(http.StatusOK, SearchResponse{Query: query, Results: results})
}

// handleCreateStat resolves a variable's values and persists a new stat.
func (s *Server) handleCreateStat(c echo.Context) error {
	var req CreateStatRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid create stat request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.VariableID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "variableId field is required")
	}

	s.applyDefaults(&req)
	if err := req.Scope.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	st, err := s.svc.Create(c.Request().Context(), stats.CreateRequest{
		VariableID: req.VariableID,
		Label:      req.Label,
		Category:   req.Category,
		Year:       req.Year,
		Dataset:    req.Dataset,
		City:       req.City,
		Scope:      req.Scope,
	})
	if err != nil {
		return s.mapError(c, err, "create stat failed")
	}

	return c.JSON(http.StatusCreated, st)
}

// handleListStats returns all persisted stats.
func (s *Server) handleListStats(c echo.Context) error {
	list, err := s.svc.List(c.Request().Context())
	if err != nil {
		return s.mapError(c, err, "list stats failed")
	}
	if list == nil {
		list = []stats.Stat{}
	}
	return c.JSON(http.StatusOK, list)
}

// handleGetStat returns one stat by id.
func (s *Server) handleGetStat(c echo.Context) error {
	st, err := s.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err, "get stat failed")
	}
	return c.JSON(http.StatusOK, st)
}

// handleStatFeatures returns a stat's values joined onto boundary
// polygons as a GeoJSON feature collection. The join is served from
// persisted values and cached boundaries; it never contacts the Census
// API.
func (s *Server) handleStatFeatures(c echo.Context) error {
	features, err := s.svc.Features(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err, "stat features failed")
	}
	if features == nil {
		features = []boundary.Feature{}
	}
	return c.JSON(http.StatusOK, boundary.FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	})
}

// handleRefreshStat refetches a stat's values from upstream and replaces
// its persisted data.
func (s *Server) handleRefreshStat(c echo.Context) error {
	st, err := s.svc.Refresh(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, err, "refresh stat failed")
	}
	return c.JSON(http.StatusOK, st)
}

// handleDeleteStat removes a stat and its values.
func (s *Server) handleDeleteStat(c echo.Context) error {
	if err := s.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(c, err, "delete stat failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleChat runs one turn of the conversational resolution loop.
func (s *Server) handleChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid chat request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "messages field is required")
	}

	result, err := s.chat.Run(c.Request().Context(), req.Messages)
	if err != nil {
		return s.mapError(c, err, "chat failed")
	}
	if result.Added == nil {
		result.Added = []chat.AddedMetric{}
	}
	return c.JSON(http.StatusOK, result)
}

// applyDefaults fills dataset, year, and scope fields the request left
// empty.
func (s *Server) applyDefaults(req *CreateStatRequest) {
	if req.Year == "" {
		req.Year = s.config.Defaults.Year
	}
	if req.Dataset == "" {
		req.Dataset = s.config.Defaults.Dataset
	}
	if req.Scope.Level == "" {
		req.Scope.Level = census.LevelZCTA
	}
	if req.Scope.Region == "" {
		req.Scope.Region = s.config.Defaults.Region
	}
	if req.Scope.State == "" && req.Scope.Level != census.LevelUCGID {
		req.Scope.State = s.config.Defaults.State
	}
}

// mapError translates domain errors to HTTP status codes.
func (s *Server) mapError(c echo.Context, err error, msg string) error {
	switch {
	case errors.Is(err, stats.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, stats.ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, boundary.ErrUnknownRegion):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, census.ErrUpstream):
		s.logger.Warn(msg, zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "census upstream unavailable")
	default:
		s.logger.Error(msg, zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, msg)
	}
}

// Echo exposes the underlying echo instance so callers can mount extra
// handlers such as the metrics endpoint.
func (s *Server) Echo() *echo.Echo {
	return s.echo
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
