package stats

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metrolabs/censusd/internal/boundary"
	"github.com/metrolabs/censusd/internal/census"
)

// Fetcher fetches per-unit values for a variable. Implemented by
// census.Client.
type Fetcher interface {
	FetchValues(ctx context.Context, variableID, year, dataset string, scope census.Scope) ([]census.UnitValue, error)
	// FetchValuesFresh bypasses the durable fetch cache. Manual stat
	// refreshes use it so a refresh always reflects current upstream
	// data rather than a cache entry younger than the freshness window.
	FetchValuesFresh(ctx context.Context, variableID, year, dataset string, scope census.Scope) ([]census.UnitValue, error)
}

// Joiner joins unit values onto boundary polygons. Implemented by
// boundary.Joiner.
type Joiner interface {
	Join(ctx context.Context, values []census.UnitValue, region string) ([]boundary.Feature, error)
}

// Service coordinates the fetch → join → persist pipeline for stats.
type Service struct {
	store   *Store
	fetcher Fetcher
	joiner  Joiner
	logger  *zap.Logger
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Store   *Store
	Fetcher Fetcher
	Joiner  Joiner
	Logger  *zap.Logger
}

// NewService creates a stats service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Joiner == nil {
		return nil, fmt.Errorf("joiner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		joiner:  cfg.Joiner,
		logger:  cfg.Logger,
	}, nil
}

// CreateRequest describes one metric to resolve and persist.
type CreateRequest struct {
	VariableID string
	Label      string
	Category   string
	Year       string
	Dataset    string
	City       string
	Scope      census.Scope
}

// Create resolves a metric's values and persists them as a new stat.
// The fetch happens before any write: a failed or empty fetch leaves no
// partially-created record.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Stat, error) {
	if req.VariableID == "" {
		return Stat{}, fmt.Errorf("variable id is required")
	}

	values, err := s.fetcher.FetchValues(ctx, req.VariableID, req.Year, req.Dataset, req.Scope)
	if err != nil {
		return Stat{}, fmt.Errorf("fetch values for %s: %w", req.VariableID, err)
	}
	if len(values) == 0 {
		return Stat{}, fmt.Errorf("no values available for %s in %s", req.VariableID, req.Scope.Region)
	}

	st := Stat{
		ID:          uuid.NewString(),
		Code:        req.VariableID,
		Description: req.Label,
		Category:    req.Category,
		Dataset:     req.Dataset,
		Source:      "census",
		Year:        req.Year,
		Region:      req.Scope.Region,
		Geography:   string(req.Scope.Level),
		City:        req.City,
		Scope:       req.Scope,
	}

	created, err := s.store.CreateStat(ctx, st, values)
	if err != nil {
		return Stat{}, err
	}

	s.logger.Info("stat created",
		zap.String("id", created.ID),
		zap.String("code", created.Code),
		zap.String("region", created.Region),
		zap.Int("units", len(values)),
	)
	return created, nil
}

// Get returns one stat.
func (s *Service) Get(ctx context.Context, id string) (Stat, error) {
	return s.store.GetStat(ctx, id)
}

// List returns all persisted stats.
func (s *Service) List(ctx context.Context) ([]Stat, error) {
	return s.store.ListStats(ctx)
}

// Features reconstructs display-ready geo-features for a persisted stat
// from its stored values. The Census API is never contacted.
func (s *Service) Features(ctx context.Context, id string) ([]boundary.Feature, error) {
	st, err := s.store.GetStat(ctx, id)
	if err != nil {
		return nil, err
	}

	values, err := s.store.LoadValues(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.joiner.Join(ctx, values, st.Region)
}

// Refresh re-resolves a stat's variable against the upstream fetcher and
// replaces its data atomically.
func (s *Service) Refresh(ctx context.Context, id string) (Stat, error) {
	st, err := s.store.GetStat(ctx, id)
	if err != nil {
		return Stat{}, err
	}

	values, err := s.fetcher.FetchValuesFresh(ctx, st.Code, st.Year, st.Dataset, st.Scope)
	if err != nil {
		return Stat{}, fmt.Errorf("refresh %s: %w", st.Code, err)
	}
	if len(values) == 0 {
		return Stat{}, fmt.Errorf("refresh %s: no values available", st.Code)
	}

	if err := s.store.ReplaceData(ctx, id, values); err != nil {
		return Stat{}, err
	}

	s.logger.Info("stat refreshed", zap.String("id", id), zap.Int("units", len(values)))
	return s.store.GetStat(ctx, id)
}

// Delete removes a stat and its child rows.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteStat(ctx, id); err != nil {
		return err
	}
	s.logger.Info("stat deleted", zap.String("id", id))
	return nil
}
