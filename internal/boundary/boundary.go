// Package boundary fetches geographic boundary polygons and joins
// per-unit statistic values onto them, producing display-ready
// geo-features.
package boundary

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/metrolabs/censusd/internal/census"
)

// ErrUnknownRegion indicates no boundary source is configured for the
// requested region.
var ErrUnknownRegion = fmt.Errorf("unknown boundary region")

// Feature is one GeoJSON feature. Geometry is carried opaquely; this
// service never needs to look inside the polygons.
type Feature struct {
	Type       string          `json:"type"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

// FeatureCollection is a GeoJSON feature collection.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Source describes where one region's boundaries come from and which
// feature property carries the unit identifier.
type Source struct {
	URL            string `json:"url" koanf:"url"`
	UnitIDProperty string `json:"unit_id_property" koanf:"unit_id_property"`
}

// Joiner fetches boundary collections and joins unit values onto them.
// Fetched collections are cached per region for the process lifetime.
type Joiner struct {
	sources    map[string]Source
	httpClient *http.Client
	logger     *zap.Logger

	cache *ttlcache.Cache[string, *FeatureCollection]

	// includeUnmatched controls whether boundaries without a matching
	// value are emitted with a null value instead of being dropped.
	// Enabling it gives full choropleth coverage with a "no data" fill.
	includeUnmatched bool
}

// Config configures a Joiner.
type Config struct {
	// Sources maps region name to boundary source.
	Sources map[string]Source
	// IncludeUnmatched emits boundaries with no value as null-valued
	// features instead of dropping them.
	IncludeUnmatched bool
	HTTPClient       *http.Client
	Logger           *zap.Logger
}

// NewJoiner creates a boundary joiner.
func NewJoiner(cfg Config) (*Joiner, error) {
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("at least one boundary source is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Joiner{
		sources:          cfg.Sources,
		httpClient:       cfg.HTTPClient,
		logger:           cfg.Logger,
		cache:            ttlcache.New[string, *FeatureCollection](),
		includeUnmatched: cfg.IncludeUnmatched,
	}, nil
}

// Join attaches values to the region's boundary polygons by unit id.
// Boundaries with no matching value are dropped by default; units with
// values but no boundary are always dropped.
func (j *Joiner) Join(ctx context.Context, values []census.UnitValue, region string) ([]Feature, error) {
	return j.join(ctx, values, region, false)
}

// JoinRefresh is Join with a forced re-fetch of the boundary collection.
func (j *Joiner) JoinRefresh(ctx context.Context, values []census.UnitValue, region string) ([]Feature, error) {
	return j.join(ctx, values, region, true)
}

func (j *Joiner) join(ctx context.Context, values []census.UnitValue, region string, refresh bool) ([]Feature, error) {
	src, ok := j.sources[region]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}

	fc, err := j.boundaries(ctx, region, src, refresh)
	if err != nil {
		return nil, err
	}

	byUnit := make(map[string]census.UnitValue, len(values))
	for _, v := range values {
		byUnit[v.UnitID] = v
	}

	out := make([]Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		unitID, ok := propertyString(f.Properties, src.UnitIDProperty)
		if !ok {
			continue
		}

		v, matched := byUnit[unitID]
		if !matched && !j.includeUnmatched {
			continue
		}

		props := make(map[string]any, len(f.Properties)+3)
		for k, val := range f.Properties {
			props[k] = val
		}
		props["unitId"] = unitID
		if matched {
			props["value"] = floatOrNil(v.Value)
			props["moe"] = floatOrNil(v.MOE)
		} else {
			props["value"] = nil
			props["moe"] = nil
		}

		out = append(out, Feature{Type: f.Type, Geometry: f.Geometry, Properties: props})
	}

	return out, nil
}

// boundaries returns the region's feature collection, cached per region.
func (j *Joiner) boundaries(ctx context.Context, region string, src Source, refresh bool) (*FeatureCollection, error) {
	if !refresh {
		if item := j.cache.Get(region); item != nil {
			return item.Value(), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build boundary request: %w", err)
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", census.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: boundary source status %d", census.ErrUpstream, resp.StatusCode)
	}

	var fc FeatureCollection
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return nil, fmt.Errorf("%w: %v", census.ErrMalformedPayload, err)
	}

	j.cache.Set(region, &fc, ttlcache.NoTTL)
	j.logger.Debug("boundary collection cached",
		zap.String("region", region),
		zap.Int("features", len(fc.Features)),
	)
	return &fc, nil
}

// propertyString reads a property that may be encoded as a string or a
// number; boundary files are inconsistent about ZCTA code types.
func propertyString(props map[string]any, key string) (string, bool) {
	raw, ok := props[key]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	}
	return "", false
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
