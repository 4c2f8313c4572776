package census

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/metrolabs/censusd/internal/collector"
)

const (
	defaultBaseURL = "https://api.census.gov"

	// rowCacheTTL is the freshness window for the durable fetch cache.
	rowCacheTTL = 24 * time.Hour
)

// RemoteVariable is one entry of the remote variable catalog, in catalog
// document order.
type RemoteVariable struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Concept string `json:"concept"`
}

// Client talks to the Census API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	collector  collector.Collector
	rowCache   RowCache
	clock      clockwork.Clock
	logger     *zap.Logger
}

// ClientConfig configures a Client. Zero values fall back to defaults.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Collector  collector.Collector
	RowCache   RowCache
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// NewClient creates a Census API client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Collector == nil {
		cfg.Collector = collector.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		collector:  cfg.Collector,
		rowCache:   cfg.RowCache,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
}

// FetchValues fetches one variable's readings for every unit in scope.
// The paired margin-of-error column is requested in the same call when
// the variable follows the _E estimate convention. Rows younger than 24
// hours in the durable fetch cache are reused instead of calling
// upstream.
func (c *Client) FetchValues(ctx context.Context, variableID, year, dataset string, scope Scope) ([]UnitValue, error) {
	return c.fetch(ctx, variableID, year, dataset, scope, false)
}

// FetchValuesFresh is FetchValues with the durable cache read skipped,
// so the call always hits the wire. Used by manual stat refreshes. The
// fresh rows still land in the cache afterwards.
func (c *Client) FetchValuesFresh(ctx context.Context, variableID, year, dataset string, scope Scope) ([]UnitValue, error) {
	return c.fetch(ctx, variableID, year, dataset, scope, true)
}

func (c *Client) fetch(ctx context.Context, variableID, year, dataset string, scope Scope, skipCache bool) ([]UnitValue, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	rows, err := c.tableRows(ctx, variableID, year, dataset, scope, skipCache)
	if err != nil {
		return nil, err
	}

	return extractValues(rows, variableID, scope.Level)
}

// tableRows returns raw tabular rows, from cache when fresh.
func (c *Client) tableRows(ctx context.Context, variableID, year, dataset string, scope Scope, skipCache bool) ([][]string, error) {
	scopeKey := scope.CacheKey()

	if c.rowCache != nil && !skipCache {
		cached, ok, err := c.rowCache.GetRows(dataset, year, scopeKey, variableID)
		if err != nil {
			c.logger.Warn("fetch cache read failed", zap.Error(err))
		} else if ok && c.clock.Since(cached.FetchedAt) < rowCacheTTL {
			rowCacheHits.Inc()
			return cached.Rows, nil
		}
		// Only a consulted cache can miss; nil cache and forced-fresh
		// fetches stay out of the ratio.
		rowCacheMisses.Inc()
	}

	rows, err := c.fetchTable(ctx, variableID, year, dataset, scope)
	if err != nil {
		return nil, err
	}

	if c.rowCache != nil {
		row := CacheRow{Rows: rows, FetchedAt: c.clock.Now()}
		if err := c.rowCache.PutRows(dataset, year, scopeKey, variableID, row); err != nil {
			// Cache-write failure never fails the fetch.
			c.logger.Warn("fetch cache write failed", zap.Error(err))
		}
	}

	return rows, nil
}

// fetchTable performs the live upstream call.
func (c *Client) fetchTable(ctx context.Context, variableID, year, dataset string, scope Scope) ([][]string, error) {
	cfg, _ := scope.Level.Config()

	columns := "NAME," + variableID
	if moe := MOEVariable(variableID); moe != "" {
		columns += "," + moe
	}

	q := url.Values{}
	q.Set("get", columns)
	switch scope.Level {
	case LevelUCGID:
		q.Set("ucgid", scope.UCGID)
	case LevelTract:
		q.Set("for", cfg.QueryToken+":*")
		q.Add("in", "state:"+scope.State)
		q.Add("in", "county:"+strings.Join(scope.Counties, ","))
	default:
		q.Set("for", cfg.QueryToken+":*")
		if scope.State != "" {
			q.Add("in", "state:"+scope.State)
		}
	}

	reqURL := fmt.Sprintf("%s/data/%s/%s?%s", c.baseURL, year, dataset, q.Encode())

	c.collector.Record(ctx, collector.Entry{
		Service:   "census",
		Direction: collector.DirectionRequest,
		Message:   fmt.Sprintf("fetch %s %s/%s scope=%s", variableID, dataset, year, scope.CacheKey()),
	})
	upstreamRequests.WithLabelValues("table").Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build census request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rows [][]string
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedPayload)
	}

	c.collector.Record(ctx, collector.Entry{
		Service:   "census",
		Direction: collector.DirectionResponse,
		Message:   fmt.Sprintf("fetch %s returned %d rows", variableID, len(rows)-1),
	})

	return rows, nil
}

// FetchVariables fetches the remote variable catalog for a dataset/year,
// preserving the catalog's document order.
func (c *Client) FetchVariables(ctx context.Context, year, dataset string) ([]RemoteVariable, error) {
	reqURL := fmt.Sprintf("%s/data/%s/%s/variables.json", c.baseURL, year, dataset)

	c.collector.Record(ctx, collector.Entry{
		Service:   "census",
		Direction: collector.DirectionRequest,
		Message:   fmt.Sprintf("fetch variable catalog %s/%s", dataset, year),
	})
	upstreamRequests.WithLabelValues("variables").Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build variables request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	vars, err := decodeVariableCatalog(resp.Body)
	if err != nil {
		return nil, err
	}

	c.collector.Record(ctx, collector.Entry{
		Service:   "census",
		Direction: collector.DirectionResponse,
		Message:   fmt.Sprintf("variable catalog %s/%s returned %d entries", dataset, year, len(vars)),
	})

	return vars, nil
}

// decodeVariableCatalog streams {"variables": {id: {label, concept}}}
// keeping insertion order, which encoding/json maps discard.
func decodeVariableCatalog(r io.Reader) ([]RemoteVariable, error) {
	dec := json.NewDecoder(r)

	// Walk tokens until the "variables" object key.
	if err := seekKey(dec, "variables"); err != nil {
		return nil, err
	}
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var out []RemoteVariable
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		id, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string variable id", ErrMalformedPayload)
		}

		var meta struct {
			Label   string `json:"label"`
			Concept string `json:"concept"`
		}
		if err := dec.Decode(&meta); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		out = append(out, RemoteVariable{ID: id, Label: meta.Label, Concept: meta.Concept})
	}

	return out, nil
}

func seekKey(dec *json.Decoder, key string) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		k, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: unexpected token %v", ErrMalformedPayload, tok)
		}
		if k == key {
			return nil
		}
		// Skip the value of an uninteresting key.
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	return fmt.Errorf("%w: missing %q key", ErrMalformedPayload, key)
}

func expectDelim(dec *json.Decoder, d json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != d {
		return fmt.Errorf("%w: expected %q, got %v", ErrMalformedPayload, d, tok)
	}
	return nil
}

// extractValues maps raw tabular rows to unit values using the header to
// locate columns and the level to pick the unit-id extraction rule.
func extractValues(rows [][]string, variableID string, level Level) ([]UnitValue, error) {
	if len(rows) < 1 {
		return nil, fmt.Errorf("%w: missing header row", ErrMalformedPayload)
	}
	header := rows[0]

	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[col] = i
	}

	valCol, ok := idx[variableID]
	if !ok {
		return nil, fmt.Errorf("%w: column %s missing", ErrMalformedPayload, variableID)
	}
	// MOE column is optional; some dataset/variable pairs never publish one.
	moeCol := -1
	if moe := MOEVariable(variableID); moe != "" {
		if i, ok := idx[moe]; ok {
			moeCol = i
		}
	}

	out := make([]UnitValue, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("%w: row width %d != header width %d", ErrMalformedPayload, len(row), len(header))
		}

		unitID, err := extractUnitID(row, idx, level)
		if err != nil {
			return nil, err
		}

		uv := UnitValue{UnitID: unitID, Value: ParseValue(row[valCol])}
		if moeCol >= 0 {
			uv.MOE = ParseValue(row[moeCol])
		}
		out = append(out, uv)
	}

	return out, nil
}

// extractUnitID reads the unit identifier for one row. ZCTA rows prefer
// the dedicated geography column, falling back to the composite NAME
// field ("ZCTA5 94110"); tract ids are the state+county+tract GEOID
// concatenation; county ids are state+county.
func extractUnitID(row []string, idx map[string]int, level Level) (string, error) {
	col := func(name string) (string, bool) {
		i, ok := idx[name]
		if !ok {
			return "", false
		}
		return row[i], true
	}

	switch level {
	case LevelZCTA:
		if v, ok := col("zip code tabulation area"); ok {
			return v, nil
		}
		if name, ok := col("NAME"); ok {
			fields := strings.Fields(name)
			if len(fields) > 0 {
				return fields[len(fields)-1], nil
			}
		}
		return "", fmt.Errorf("%w: no zcta identifier in row", ErrMalformedPayload)

	case LevelTract:
		state, ok1 := col("state")
		county, ok2 := col("county")
		tract, ok3 := col("tract")
		if !ok1 || !ok2 || !ok3 {
			return "", fmt.Errorf("%w: tract row missing geography columns", ErrMalformedPayload)
		}
		return state + county + tract, nil

	case LevelCounty:
		state, ok1 := col("state")
		county, ok2 := col("county")
		if !ok1 || !ok2 {
			return "", fmt.Errorf("%w: county row missing geography columns", ErrMalformedPayload)
		}
		return state + county, nil

	case LevelUCGID:
		if v, ok := col("ucgid"); ok {
			return v, nil
		}
		return "", fmt.Errorf("%w: ucgid row missing ucgid column", ErrMalformedPayload)
	}

	return "", fmt.Errorf("unsupported geography level %q", level)
}
