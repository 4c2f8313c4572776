// Package stats persists resolved metrics and their per-unit values.
// SQLite is the backing store; every multi-record write happens inside
// one transaction so stats and their child rows are visible together or
// not at all.
package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/metrolabs/censusd/internal/census"
)

var (
	// ErrNotFound indicates the requested stat does not exist.
	ErrNotFound = errors.New("stat not found")

	// ErrDuplicate indicates a stat for the same variable and scope is
	// already active.
	ErrDuplicate = errors.New("stat already exists for variable and region")
)

// Stat is one persisted metric: a variable resolved for a scope, with
// its per-unit values serialized into Data and mirrored as child rows.
type Stat struct {
	ID          string       `json:"id"`
	Code        string       `json:"code"`
	Description string       `json:"description"`
	Category    string       `json:"category,omitempty"`
	Dataset     string       `json:"dataset"`
	Source      string       `json:"source"`
	Year        string       `json:"year"`
	Region      string       `json:"region,omitempty"`
	Geography   string       `json:"geography,omitempty"`
	City        string       `json:"city,omitempty"`
	Scope       census.Scope `json:"scope"`
	Data        string       `json:"data"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path and ensures the
// schema exists.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init stats schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stats (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		description TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		dataset TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'census',
		year TEXT NOT NULL,
		region TEXT NOT NULL DEFAULT '',
		geography TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		scope_json TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_stats_code_region ON stats(code, region);

	CREATE TABLE IF NOT EXISTS stat_values (
		stat_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		value REAL,
		moe REAL,
		PRIMARY KEY (stat_id, unit_id)
	);

	CREATE TABLE IF NOT EXISTS fetch_cache (
		dataset TEXT NOT NULL,
		year TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		variable_id TEXT NOT NULL,
		rows_json TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		PRIMARY KEY (dataset, year, scope_key, variable_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// serializeData renders the unit→value mapping for the stats.data
// column. Null values are preserved.
func serializeData(values []census.UnitValue) (string, error) {
	m := make(map[string]*float64, len(values))
	for _, v := range values {
		m[v.UnitID] = v.Value
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("serialize stat data: %w", err)
	}
	return string(b), nil
}

// CreateStat writes a new stat and its child value rows in one
// transaction. A stat for the same (code, region) is rejected with
// ErrDuplicate.
func (s *Store) CreateStat(ctx context.Context, st Stat, values []census.UnitValue) (Stat, error) {
	data, err := serializeData(values)
	if err != nil {
		return Stat{}, err
	}
	st.Data = data

	scopeJSON, err := json.Marshal(st.Scope)
	if err != nil {
		return Stat{}, fmt.Errorf("serialize stat scope: %w", err)
	}

	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Stat{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stats (id, code, description, category, dataset, source, year, region, geography, city, scope_json, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Code, st.Description, st.Category, st.Dataset, st.Source, st.Year,
		st.Region, st.Geography, st.City, string(scopeJSON), st.Data,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Stat{}, fmt.Errorf("%w: %s in %s", ErrDuplicate, st.Code, st.Region)
		}
		return Stat{}, fmt.Errorf("insert stat: %w", err)
	}

	if err := insertValues(ctx, tx, st.ID, values); err != nil {
		return Stat{}, err
	}

	if err := tx.Commit(); err != nil {
		return Stat{}, err
	}
	return st, nil
}

func insertValues(ctx context.Context, tx *sql.Tx, statID string, values []census.UnitValue) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO stat_values (stat_id, unit_id, value, moe) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, statID, v.UnitID, nullFloat(v.Value), nullFloat(v.MOE)); err != nil {
			return fmt.Errorf("insert stat value %s: %w", v.UnitID, err)
		}
	}
	return nil
}

// GetStat returns one stat by id.
func (s *Store) GetStat(ctx context.Context, id string) (Stat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, description, category, dataset, source, year, region, geography, city, scope_json, data, created_at, updated_at
		FROM stats WHERE id = ?`, id)
	return scanStat(row)
}

// ListStats returns all stats ordered by creation time.
func (s *Store) ListStats(ctx context.Context) ([]Stat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, description, category, dataset, source, year, region, geography, city, scope_json, data, created_at, updated_at
		FROM stats ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Stat
	for rows.Next() {
		st, err := scanStat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// LoadValues reconstructs the per-unit values for a stat from its child
// rows. No upstream API is contacted.
func (s *Store) LoadValues(ctx context.Context, id string) ([]census.UnitValue, error) {
	if _, err := s.GetStat(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT unit_id, value, moe FROM stat_values WHERE stat_id = ? ORDER BY unit_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []census.UnitValue
	for rows.Next() {
		var v census.UnitValue
		var value, moe sql.NullFloat64
		if err := rows.Scan(&v.UnitID, &value, &moe); err != nil {
			return nil, err
		}
		v.Value = floatPtr(value)
		v.MOE = floatPtr(moe)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ReplaceData swaps a stat's serialized data and child rows and bumps
// updated_at, all in one transaction.
func (s *Store) ReplaceData(ctx context.Context, id string, values []census.UnitValue) error {
	data, err := serializeData(values)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE stats SET data = ?, updated_at = ? WHERE id = ?`,
		data, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update stat data: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stat_values WHERE stat_id = ?`, id); err != nil {
		return err
	}
	if err := insertValues(ctx, tx, id, values); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteStat removes a stat and its child rows in one transaction.
func (s *Store) DeleteStat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM stats WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stat_values WHERE stat_id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// GetRows implements census.RowCache over the fetch_cache table.
func (s *Store) GetRows(dataset, year, scopeKey, variableID string) (census.CacheRow, bool, error) {
	row := s.db.QueryRow(`
		SELECT rows_json, fetched_at FROM fetch_cache
		WHERE dataset = ? AND year = ? AND scope_key = ? AND variable_id = ?`,
		dataset, year, scopeKey, variableID)

	var rowsJSON, fetchedAt string
	if err := row.Scan(&rowsJSON, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return census.CacheRow{}, false, nil
		}
		return census.CacheRow{}, false, err
	}

	var cached census.CacheRow
	if err := json.Unmarshal([]byte(rowsJSON), &cached.Rows); err != nil {
		return census.CacheRow{}, false, fmt.Errorf("decode cached rows: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return census.CacheRow{}, false, fmt.Errorf("parse cache timestamp: %w", err)
	}
	cached.FetchedAt = ts
	return cached, true, nil
}

// PutRows implements census.RowCache.
func (s *Store) PutRows(dataset, year, scopeKey, variableID string, row census.CacheRow) error {
	rowsJSON, err := json.Marshal(row.Rows)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO fetch_cache (dataset, year, scope_key, variable_id, rows_json, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset, year, scope_key, variable_id)
		DO UPDATE SET rows_json = excluded.rows_json, fetched_at = excluded.fetched_at`,
		dataset, year, scopeKey, variableID, string(rowsJSON), row.FetchedAt.UTC().Format(time.RFC3339Nano))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStat(r rowScanner) (Stat, error) {
	var st Stat
	var scopeJSON, createdAt, updatedAt string
	err := r.Scan(&st.ID, &st.Code, &st.Description, &st.Category, &st.Dataset, &st.Source,
		&st.Year, &st.Region, &st.Geography, &st.City, &scopeJSON, &st.Data, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Stat{}, ErrNotFound
		}
		return Stat{}, err
	}

	if err := json.Unmarshal([]byte(scopeJSON), &st.Scope); err != nil {
		return Stat{}, fmt.Errorf("decode stat scope: %w", err)
	}
	if st.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Stat{}, fmt.Errorf("parse created_at: %w", err)
	}
	if st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Stat{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return st, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
