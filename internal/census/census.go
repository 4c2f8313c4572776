// Package census fetches raw tabular statistics from the Census Bureau
// API and maps rows to geographic unit values.
package census

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for callers that need to distinguish failure classes.
var (
	// ErrUpstream indicates a non-success response or network failure
	// from the Census API. Never retried automatically.
	ErrUpstream = errors.New("census upstream failure")

	// ErrMalformedPayload indicates the upstream response did not match
	// the expected shape (missing header, missing columns).
	ErrMalformedPayload = errors.New("malformed census payload")
)

// Jam values (statistical suppression markers) are large negative numbers
// well below any legitimate economic figure. Anything at or below this
// threshold parses as null.
const suppressionThreshold = -100000000

// Level is a supported geography granularity.
type Level string

const (
	LevelZCTA   Level = "zcta"
	LevelTract  Level = "tract"
	LevelCounty Level = "county"
	LevelUCGID  Level = "ucgid"
)

// LevelConfig describes how one geography level is queried and how its
// unit identifier is read back out of a result row. Selected up front by
// level, never inferred per row.
type LevelConfig struct {
	// UnitIDProperty is the boundary-file property holding the unit id.
	UnitIDProperty string
	// QueryToken is the Census API "for" clause geography name.
	QueryToken string
}

var levelConfigs = map[Level]LevelConfig{
	LevelZCTA:   {UnitIDProperty: "ZCTA5CE10", QueryToken: "zip code tabulation area"},
	LevelTract:  {UnitIDProperty: "GEOID", QueryToken: "tract"},
	LevelCounty: {UnitIDProperty: "GEOID", QueryToken: "county"},
	LevelUCGID:  {UnitIDProperty: "GEOID", QueryToken: "ucgid"},
}

// Config returns the query/property configuration for a level.
func (l Level) Config() (LevelConfig, bool) {
	cfg, ok := levelConfigs[l]
	return cfg, ok
}

// Scope selects which geographic units a fetch covers.
type Scope struct {
	Level Level `json:"level"`
	// Region is a human-readable region name, used for cache keying and
	// boundary selection (e.g. "bay-area").
	Region string `json:"region"`
	// State is a two-digit state FIPS code, applied as an "in" clause
	// where the level supports it.
	State string `json:"state,omitempty"`
	// Counties are three-digit county FIPS codes, required for tract
	// queries.
	Counties []string `json:"counties,omitempty"`
	// UCGID is a composite geography identifier, used when Level is
	// LevelUCGID.
	UCGID string `json:"ucgid,omitempty"`
}

// CacheKey renders the scope as a stable cache key fragment.
func (s Scope) CacheKey() string {
	parts := []string{string(s.Level), s.Region, s.State}
	if len(s.Counties) > 0 {
		parts = append(parts, strings.Join(s.Counties, "+"))
	}
	if s.UCGID != "" {
		parts = append(parts, s.UCGID)
	}
	return strings.Join(parts, "|")
}

// Validate checks the scope is fetchable.
func (s Scope) Validate() error {
	if _, ok := s.Level.Config(); !ok {
		return fmt.Errorf("unsupported geography level %q", s.Level)
	}
	if s.Level == LevelTract && (s.State == "" || len(s.Counties) == 0) {
		return fmt.Errorf("tract scope requires state and counties")
	}
	if s.Level == LevelUCGID && s.UCGID == "" {
		return fmt.Errorf("ucgid scope requires a ucgid value")
	}
	return nil
}

// UnitValue is one geographic unit's reading for a single variable.
// Value is nil when the raw reading was suppressed or non-numeric.
type UnitValue struct {
	UnitID string   `json:"unitId"`
	Value  *float64 `json:"value"`
	MOE    *float64 `json:"moe"`
}

// ParseValue parses a raw Census cell. Suppression sentinels (large
// negative jam values) and non-numeric strings yield nil; legitimate
// negative figures such as income change pass through.
func ParseValue(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	if v <= suppressionThreshold {
		return nil
	}
	return &v
}

// MOEVariable returns the margin-of-error counterpart for an estimate
// variable (suffix _E becomes _M). Returns "" when the id has no
// estimate suffix.
func MOEVariable(variableID string) string {
	if strings.HasSuffix(variableID, "E") && strings.Contains(variableID, "_") {
		return variableID[:len(variableID)-1] + "M"
	}
	return ""
}

// CacheRow is one durable fetch-cache entry: the raw tabular rows from a
// previous upstream call plus when they were fetched.
type CacheRow struct {
	Rows      [][]string
	FetchedAt time.Time
}

// RowCache is the durable fetch cache consulted before upstream calls.
// Implemented by the stats store; a nil cache disables caching.
type RowCache interface {
	GetRows(dataset, year, scopeKey, variableID string) (CacheRow, bool, error)
	PutRows(dataset, year, scopeKey, variableID string, row CacheRow) error
}
