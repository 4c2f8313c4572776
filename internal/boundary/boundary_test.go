package boundary

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metrolabs/censusd/internal/census"
)

const bayAreaBoundaries = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}, "properties": {"ZCTA5CE10": "94110", "name": "Mission"}},
    {"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[1,1],[2,1],[2,2],[1,1]]]}, "properties": {"ZCTA5CE10": "94112", "name": "Excelsior"}},
    {"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[2,2],[3,2],[3,3],[2,2]]]}, "properties": {"ZCTA5CE10": "94117", "name": "Haight"}}
  ]
}`

func fl(v float64) *float64 { return &v }

func newTestJoiner(t *testing.T, url string, includeUnmatched bool) *Joiner {
	t.Helper()
	j, err := NewJoiner(Config{
		Sources: map[string]Source{
			"bay-area": {URL: url, UnitIDProperty: "ZCTA5CE10"},
		},
		IncludeUnmatched: includeUnmatched,
	})
	require.NoError(t, err)
	return j
}

func boundaryServer(calls *atomic.Int64, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(body))
	}))
}

func TestJoin(t *testing.T) {
	values := []census.UnitValue{
		{UnitID: "94110", Value: fl(120000), MOE: fl(4500)},
		{UnitID: "94112", Value: nil, MOE: nil},
		{UnitID: "99999", Value: fl(1)}, // no boundary: always dropped
	}

	t.Run("emits intersection of units and boundaries", func(t *testing.T) {
		var calls atomic.Int64
		srv := boundaryServer(&calls, bayAreaBoundaries)
		defer srv.Close()

		j := newTestJoiner(t, srv.URL, false)
		got, err := j.Join(context.Background(), values, "bay-area")
		require.NoError(t, err)

		// 3 boundaries, 3 values, intersection is 2.
		require.Len(t, got, 2)
		assert.Equal(t, "94110", got[0].Properties["unitId"])
		assert.Equal(t, 120000.0, got[0].Properties["value"])
		assert.Equal(t, 4500.0, got[0].Properties["moe"])
		assert.Equal(t, "Mission", got[0].Properties["name"])

		// Null value carried through, not dropped.
		assert.Equal(t, "94112", got[1].Properties["unitId"])
		assert.Nil(t, got[1].Properties["value"])
	})

	t.Run("include-unmatched emits null-valued boundaries", func(t *testing.T) {
		var calls atomic.Int64
		srv := boundaryServer(&calls, bayAreaBoundaries)
		defer srv.Close()

		j := newTestJoiner(t, srv.URL, true)
		got, err := j.Join(context.Background(), values, "bay-area")
		require.NoError(t, err)

		require.Len(t, got, 3)
		assert.Equal(t, "94117", got[2].Properties["unitId"])
		assert.Nil(t, got[2].Properties["value"])
	})

	t.Run("boundary fetch cached per region", func(t *testing.T) {
		var calls atomic.Int64
		srv := boundaryServer(&calls, bayAreaBoundaries)
		defer srv.Close()

		j := newTestJoiner(t, srv.URL, false)
		_, err := j.Join(context.Background(), values, "bay-area")
		require.NoError(t, err)
		_, err = j.Join(context.Background(), values, "bay-area")
		require.NoError(t, err)
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("refresh bypasses the cache", func(t *testing.T) {
		var calls atomic.Int64
		srv := boundaryServer(&calls, bayAreaBoundaries)
		defer srv.Close()

		j := newTestJoiner(t, srv.URL, false)
		_, err := j.Join(context.Background(), values, "bay-area")
		require.NoError(t, err)
		_, err = j.JoinRefresh(context.Background(), values, "bay-area")
		require.NoError(t, err)
		assert.EqualValues(t, 2, calls.Load())
	})

	t.Run("unknown region", func(t *testing.T) {
		var calls atomic.Int64
		srv := boundaryServer(&calls, bayAreaBoundaries)
		defer srv.Close()

		j := newTestJoiner(t, srv.URL, false)
		_, err := j.Join(context.Background(), values, "gotham")
		assert.ErrorIs(t, err, ErrUnknownRegion)
	})

	t.Run("upstream failure propagates", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		j := newTestJoiner(t, srv.URL, false)
		_, err := j.Join(context.Background(), values, "bay-area")
		assert.ErrorIs(t, err, census.ErrUpstream)
	})

	t.Run("numeric unit id property coerced to string", func(t *testing.T) {
		var calls atomic.Int64
		srv := boundaryServer(&calls, `{
			"type": "FeatureCollection",
			"features": [
				{"type": "Feature", "geometry": {"type": "Polygon", "coordinates": []}, "properties": {"ZCTA5CE10": 94110}}
			]
		}`)
		defer srv.Close()

		j := newTestJoiner(t, srv.URL, false)
		got, err := j.Join(context.Background(), []census.UnitValue{{UnitID: "94110", Value: fl(7)}}, "bay-area")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "94110", got[0].Properties["unitId"])
	})
}
