package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/metrolabs/censusd/internal/boundary"
	"github.com/metrolabs/censusd/internal/catalog"
	"github.com/metrolabs/censusd/internal/census"
	"github.com/metrolabs/censusd/internal/chat"
	"github.com/metrolabs/censusd/internal/search"
	"github.com/metrolabs/censusd/internal/stats"
)

type fakeSearcher struct {
	results []catalog.Descriptor
	err     error
	lastReq search.Request
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) ([]catalog.Descriptor, error) {
	f.lastReq = req
	return f.results, f.err
}

type fakeStatService struct {
	stats     map[string]stats.Stat
	created   []stats.CreateRequest
	createErr error
	features  []boundary.Feature
	featErr   error
}

func newFakeStatService() *fakeStatService {
	return &fakeStatService{stats: map[string]stats.Stat{}}
}

func (f *fakeStatService) Create(_ context.Context, req stats.CreateRequest) (stats.Stat, error) {
	if f.createErr != nil {
		return stats.Stat{}, f.createErr
	}
	f.created = append(f.created, req)
	st := stats.Stat{
		ID:          fmt.Sprintf("stat-%d", len(f.created)),
		Code:        req.VariableID,
		Description: req.Label,
		Year:        req.Year,
		Dataset:     req.Dataset,
		Region:      req.Scope.Region,
		Scope:       req.Scope,
	}
	f.stats[st.ID] = st
	return st, nil
}

func (f *fakeStatService) Get(_ context.Context, id string) (stats.Stat, error) {
	st, ok := f.stats[id]
	if !ok {
		return stats.Stat{}, stats.ErrNotFound
	}
	return st, nil
}

func (f *fakeStatService) List(_ context.Context) ([]stats.Stat, error) {
	var out []stats.Stat
	for _, st := range f.stats {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeStatService) Features(_ context.Context, id string) ([]boundary.Feature, error) {
	if f.featErr != nil {
		return nil, f.featErr
	}
	if _, ok := f.stats[id]; !ok {
		return nil, stats.ErrNotFound
	}
	return f.features, nil
}

func (f *fakeStatService) Refresh(_ context.Context, id string) (stats.Stat, error) {
	st, ok := f.stats[id]
	if !ok {
		return stats.Stat{}, stats.ErrNotFound
	}
	st.Description = st.Description + " (refreshed)"
	f.stats[id] = st
	return st, nil
}

func (f *fakeStatService) Delete(_ context.Context, id string) error {
	if _, ok := f.stats[id]; !ok {
		return stats.ErrNotFound
	}
	delete(f.stats, id)
	return nil
}

type fakeChat struct {
	result chat.Result
	err    error
	seen   []chat.Message
}

func (f *fakeChat) Run(_ context.Context, messages []chat.Message) (chat.Result, error) {
	f.seen = messages
	return f.result, f.err
}

func setupTestServer(t *testing.T) (*Server, *fakeSearcher, *fakeStatService, *fakeChat) {
	t.Helper()
	searcher := &fakeSearcher{}
	svc := newFakeStatService()
	chatRunner := &fakeChat{}
	server, err := NewServer(searcher, svc, chatRunner, zap.NewNop(), &Config{
		Host: "localhost",
		Port: 8080,
		Defaults: Defaults{
			Year:    "2022",
			Dataset: "acs/acs5",
			Region:  "bay-area",
			State:   "06",
		},
	})
	require.NoError(t, err)
	return server, searcher, svc, chatRunner
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		server, _, _, _ := setupTestServer(t)
		assert.NotNil(t, server.echo)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(&fakeSearcher{}, newFakeStatService(), &fakeChat{}, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8080, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeSearcher{}, newFakeStatService(), &fakeChat{}, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when searcher is nil", func(t *testing.T) {
		_, err := NewServer(nil, newFakeStatService(), &fakeChat{}, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "searcher cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleSearch(t *testing.T) {
	t.Run("returns results with defaults applied", func(t *testing.T) {
		server, searcher, _, _ := setupTestServer(t)
		searcher.results = []catalog.Descriptor{
			{ID: "B19013_001E", Label: "Median Household Income"},
		}

		rec := doJSON(t, server, http.MethodGet, "/api/v1/search?q=median+income", nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp SearchResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "B19013_001E", resp.Results[0].ID)

		assert.Equal(t, "median income", searcher.lastReq.Query)
		assert.Equal(t, "2022", searcher.lastReq.Year)
		assert.Equal(t, "acs/acs5", searcher.lastReq.Dataset)
		assert.False(t, searcher.lastReq.Refresh)
	})

	t.Run("explicit year dataset and refresh pass through", func(t *testing.T) {
		server, searcher, _, _ := setupTestServer(t)

		rec := doJSON(t, server, http.MethodGet, "/api/v1/search?q=age&year=2020&dataset=acs%2Facs1&refresh=true", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2020", searcher.lastReq.Year)
		assert.Equal(t, "acs/acs1", searcher.lastReq.Dataset)
		assert.True(t, searcher.lastReq.Refresh)
	})

	t.Run("empty result set is 200 with empty list", func(t *testing.T) {
		server, _, _, _ := setupTestServer(t)

		rec := doJSON(t, server, http.MethodGet, "/api/v1/search?q=nonesuch", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"results":[]`)
	})

	t.Run("missing query is 400", func(t *testing.T) {
		server, _, _, _ := setupTestServer(t)

		rec := doJSON(t, server, http.MethodGet, "/api/v1/search", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("upstream failure is 502", func(t *testing.T) {
		server, searcher, _, _ := setupTestServer(t)
		searcher.err = fmt.Errorf("variables.json: %w", census.ErrUpstream)

		rec := doJSON(t, server, http.MethodGet, "/api/v1/search?q=income", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandleCreateStat(t *testing.T) {
	t.Run("creates stat with scope defaults", func(t *testing.T) {
		server, _, svc, _ := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/stats", CreateStatRequest{
			VariableID: "B19013_001E",
			Label:      "Median Household Income",
		})
		assert.Equal(t, http.StatusCreated, rec.Code)

		require.Len(t, svc.created, 1)
		got := svc.created[0]
		assert.Equal(t, "2022", got.Year)
		assert.Equal(t, "acs/acs5", got.Dataset)
		assert.Equal(t, census.LevelZCTA, got.Scope.Level)
		assert.Equal(t, "bay-area", got.Scope.Region)
		assert.Equal(t, "06", got.Scope.State)

		var st stats.Stat
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.Equal(t, "B19013_001E", st.Code)
	})

	t.Run("explicit scope preserved", func(t *testing.T) {
		server, _, svc, _ := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/stats", CreateStatRequest{
			VariableID: "B01003_001E",
			Year:       "2021",
			Scope: census.Scope{
				Level:    census.LevelTract,
				Region:   "bay-area",
				State:    "06",
				Counties: []string{"075"},
			},
		})
		assert.Equal(t, http.StatusCreated, rec.Code)
		require.Len(t, svc.created, 1)
		assert.Equal(t, census.LevelTract, svc.created[0].Scope.Level)
		assert.Equal(t, []string{"075"}, svc.created[0].Scope.Counties)
		assert.Equal(t, "2021", svc.created[0].Year)
	})

	t.Run("missing variable id is 400", func(t *testing.T) {
		server, _, _, _ := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/stats", CreateStatRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid scope is 400", func(t *testing.T) {
		server, _, svc, _ := setupTestServer(t)

		// Tract scope without counties fails scope validation.
		rec := doJSON(t, server, http.MethodPost, "/api/v1/stats", CreateStatRequest{
			VariableID: "B01003_001E",
			Scope: census.Scope{
				Level:  census.LevelTract,
				Region: "bay-area",
				State:  "06",
			},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, svc.created)
	})

	t.Run("duplicate is 409", func(t *testing.T) {
		server, _, svc, _ := setupTestServer(t)
		svc.createErr = stats.ErrDuplicate

		rec := doJSON(t, server, http.MethodPost, "/api/v1/stats", CreateStatRequest{
			VariableID: "B19013_001E",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("upstream failure is 502", func(t *testing.T) {
		server, _, svc, _ := setupTestServer(t)
		svc.createErr = fmt.Errorf("fetch: %w", census.ErrUpstream)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/stats", CreateStatRequest{
			VariableID: "B19013_001E",
		})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func TestHandleStatLifecycle(t *testing.T) {
	server, _, svc, _ := setupTestServer(t)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/stats", CreateStatRequest{
		VariableID: "B19013_001E",
		Label:      "Median Household Income",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created stats.Stat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	t.Run("get", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/api/v1/stats/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodGet, "/api/v1/stats", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		var list []stats.Stat
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.Len(t, list, 1)
	})

	t.Run("features", func(t *testing.T) {
		svc.features = []boundary.Feature{
			{Type: "Feature", Geometry: json.RawMessage(`{"type":"Polygon","coordinates":[]}`), Properties: map[string]any{"unitId": "94110"}},
		}
		rec := doJSON(t, server, http.MethodGet, "/api/v1/stats/"+created.ID+"/features", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		var fc boundary.FeatureCollection
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
		assert.Equal(t, "FeatureCollection", fc.Type)
		assert.Len(t, fc.Features, 1)
	})

	t.Run("refresh", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodPost, "/api/v1/stats/"+created.ID+"/refresh", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		var st stats.Stat
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
		assert.Contains(t, st.Description, "refreshed")
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(t, server, http.MethodDelete, "/api/v1/stats/"+created.ID, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, server, http.MethodGet, "/api/v1/stats/"+created.ID, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleStatErrors(t *testing.T) {
	t.Run("unknown stat is 404", func(t *testing.T) {
		server, _, _, _ := setupTestServer(t)

		for _, probe := range []struct {
			method, path string
		}{
			{http.MethodGet, "/api/v1/stats/nope"},
			{http.MethodGet, "/api/v1/stats/nope/features"},
			{http.MethodPost, "/api/v1/stats/nope/refresh"},
			{http.MethodDelete, "/api/v1/stats/nope"},
		} {
			rec := doJSON(t, server, probe.method, probe.path, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code, "%s %s", probe.method, probe.path)
		}
	})

	t.Run("unknown region on features is 400", func(t *testing.T) {
		server, _, svc, _ := setupTestServer(t)
		svc.stats["s1"] = stats.Stat{ID: "s1"}
		svc.featErr = fmt.Errorf("%w: %q", boundary.ErrUnknownRegion, "gotham")

		rec := doJSON(t, server, http.MethodGet, "/api/v1/stats/s1/features", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleChat(t *testing.T) {
	t.Run("returns reply and added metrics", func(t *testing.T) {
		server, _, _, chatRunner := setupTestServer(t)
		chatRunner.result = chat.Result{
			Reply: "Added median household income to the map.",
			Added: []chat.AddedMetric{{StatID: "s1", VariableID: "B19013_001E", Label: "Median Household Income"}},
		}

		rec := doJSON(t, server, http.MethodPost, "/api/v1/chat", ChatRequest{
			Messages: []chat.Message{{Role: "user", Content: "show me median income"}},
		})
		assert.Equal(t, http.StatusOK, rec.Code)

		var result chat.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, "Added median household income to the map.", result.Reply)
		require.Len(t, result.Added, 1)
		assert.Equal(t, "B19013_001E", result.Added[0].VariableID)

		require.Len(t, chatRunner.seen, 1)
		assert.Equal(t, "user", chatRunner.seen[0].Role)
	})

	t.Run("empty messages is 400", func(t *testing.T) {
		server, _, _, _ := setupTestServer(t)

		rec := doJSON(t, server, http.MethodPost, "/api/v1/chat", ChatRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("model failure is 500", func(t *testing.T) {
		server, _, _, chatRunner := setupTestServer(t)
		chatRunner.err = fmt.Errorf("completion request failed")

		rec := doJSON(t, server, http.MethodPost, "/api/v1/chat", ChatRequest{
			Messages: []chat.Message{{Role: "user", Content: "hi"}},
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
