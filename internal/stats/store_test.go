package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metrolabs/censusd/internal/census"
)

func fl(v float64) *float64 { return &v }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleStat(code, region string) Stat {
	return Stat{
		ID:          uuid.NewString(),
		Code:        code,
		Description: "Median Household Income",
		Dataset:     "acs/acs5",
		Source:      "census",
		Year:        "2022",
		Region:      region,
		Geography:   "zcta",
		Scope:       census.Scope{Level: census.LevelZCTA, Region: region, State: "06"},
	}
}

func sampleValues() []census.UnitValue {
	return []census.UnitValue{
		{UnitID: "94110", Value: fl(120000), MOE: fl(4500)},
		{UnitID: "94112", Value: nil, MOE: nil},
		{UnitID: "94117", Value: fl(98000)},
	}
}

func TestCreateStat(t *testing.T) {
	t.Run("persists stat with serialized data", func(t *testing.T) {
		s := newTestStore(t)

		created, err := s.CreateStat(context.Background(), sampleStat("B19013_001E", "bay-area"), sampleValues())
		require.NoError(t, err)
		assert.NotEmpty(t, created.Data)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := s.GetStat(context.Background(), created.ID)
		require.NoError(t, err)
		assert.Equal(t, "B19013_001E", got.Code)
		assert.Equal(t, "bay-area", got.Region)
		assert.Equal(t, census.LevelZCTA, got.Scope.Level)
		assert.JSONEq(t, `{"94110":120000,"94112":null,"94117":98000}`, got.Data)
	})

	t.Run("duplicate code and region rejected", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.CreateStat(context.Background(), sampleStat("B19013_001E", "bay-area"), sampleValues())
		require.NoError(t, err)

		_, err = s.CreateStat(context.Background(), sampleStat("B19013_001E", "bay-area"), sampleValues())
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("same code in another region allowed", func(t *testing.T) {
		s := newTestStore(t)

		_, err := s.CreateStat(context.Background(), sampleStat("B19013_001E", "bay-area"), sampleValues())
		require.NoError(t, err)
		_, err = s.CreateStat(context.Background(), sampleStat("B19013_001E", "puget-sound"), sampleValues())
		assert.NoError(t, err)
	})
}

func TestLoadValues(t *testing.T) {
	t.Run("round-trips values including nulls", func(t *testing.T) {
		s := newTestStore(t)
		in := sampleValues()

		created, err := s.CreateStat(context.Background(), sampleStat("B19013_001E", "bay-area"), in)
		require.NoError(t, err)

		out, err := s.LoadValues(context.Background(), created.ID)
		require.NoError(t, err)
		require.Len(t, out, len(in))

		byUnit := make(map[string]census.UnitValue)
		for _, v := range out {
			byUnit[v.UnitID] = v
		}
		require.NotNil(t, byUnit["94110"].Value)
		assert.Equal(t, 120000.0, *byUnit["94110"].Value)
		require.NotNil(t, byUnit["94110"].MOE)
		assert.Equal(t, 4500.0, *byUnit["94110"].MOE)
		assert.Nil(t, byUnit["94112"].Value)
		assert.Nil(t, byUnit["94112"].MOE)
		assert.Nil(t, byUnit["94117"].MOE)
	})

	t.Run("missing stat", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.LoadValues(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestReplaceData(t *testing.T) {
	t.Run("swaps values and bumps updated_at", func(t *testing.T) {
		s := newTestStore(t)

		created, err := s.CreateStat(context.Background(), sampleStat("B19013_001E", "bay-area"), sampleValues())
		require.NoError(t, err)

		time.Sleep(2 * time.Millisecond)
		replacement := []census.UnitValue{{UnitID: "94110", Value: fl(131000)}}
		require.NoError(t, s.ReplaceData(context.Background(), created.ID, replacement))

		got, err := s.GetStat(context.Background(), created.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"94110":131000}`, got.Data)
		assert.True(t, got.UpdatedAt.After(created.UpdatedAt))

		values, err := s.LoadValues(context.Background(), created.ID)
		require.NoError(t, err)
		require.Len(t, values, 1)
		assert.Equal(t, "94110", values[0].UnitID)
	})

	t.Run("missing stat", func(t *testing.T) {
		s := newTestStore(t)
		err := s.ReplaceData(context.Background(), "nope", sampleValues())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteStat(t *testing.T) {
	t.Run("removes stat and child rows", func(t *testing.T) {
		s := newTestStore(t)

		created, err := s.CreateStat(context.Background(), sampleStat("B19013_001E", "bay-area"), sampleValues())
		require.NoError(t, err)

		require.NoError(t, s.DeleteStat(context.Background(), created.ID))

		_, err = s.GetStat(context.Background(), created.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		// Child rows are gone too: recreating with the same code/region
		// starts clean.
		recreated, err := s.CreateStat(context.Background(), sampleStat("B19013_001E", "bay-area"), sampleValues()[:1])
		require.NoError(t, err)
		values, err := s.LoadValues(context.Background(), recreated.ID)
		require.NoError(t, err)
		assert.Len(t, values, 1)
	})

	t.Run("missing stat", func(t *testing.T) {
		s := newTestStore(t)
		assert.ErrorIs(t, s.DeleteStat(context.Background(), "nope"), ErrNotFound)
	})
}

func TestListStats(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateStat(context.Background(), sampleStat("B19013_001E", "bay-area"), sampleValues())
	require.NoError(t, err)
	_, err = s.CreateStat(context.Background(), sampleStat("B01003_001E", "bay-area"), sampleValues())
	require.NoError(t, err)

	got, err := s.ListStats(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRowCache(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetRows("acs/acs5", "2022", "zcta|bay-area|06", "B19013_001E")
	require.NoError(t, err)
	assert.False(t, ok)

	rows := [][]string{
		{"NAME", "B19013_001E"},
		{"ZCTA5 94110", "120000"},
	}
	fetchedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutRows("acs/acs5", "2022", "zcta|bay-area|06", "B19013_001E", census.CacheRow{Rows: rows, FetchedAt: fetchedAt}))

	got, ok, err := s.GetRows("acs/acs5", "2022", "zcta|bay-area|06", "B19013_001E")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rows, got.Rows)
	assert.True(t, got.FetchedAt.Equal(fetchedAt))

	// Upsert replaces the entry.
	later := fetchedAt.Add(time.Hour)
	require.NoError(t, s.PutRows("acs/acs5", "2022", "zcta|bay-area|06", "B19013_001E", census.CacheRow{Rows: rows[:1], FetchedAt: later}))
	got, ok, err = s.GetRows("acs/acs5", "2022", "zcta|bay-area|06", "B19013_001E")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Rows, 1)
	assert.True(t, got.FetchedAt.Equal(later))
}
