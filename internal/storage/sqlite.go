package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/stresscapture/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so a corrupt value does not fail the whole query.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage and BaselineCache using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var (
	_ Storage       = (*SQLiteStorage)(nil)
	_ BaselineCache = (*SQLiteStorage)(nil)
)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode lets the HTTP API read while a capture writes
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS capture_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		mode TEXT NOT NULL,
		iteration INTEGER DEFAULT 0,
		tps INTEGER DEFAULT 0,
		tx_count INTEGER DEFAULT 0,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		failures INTEGER DEFAULT 0,
		sample_count INTEGER DEFAULT 0,
		statistics TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_capture_runs_started ON capture_runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS samples (
		run_id TEXT NOT NULL,
		block_number INTEGER NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		size INTEGER NOT NULL,
		extrinsics INTEGER NOT NULL,
		latency REAL,
		PRIMARY KEY (run_id, block_number),
		FOREIGN KEY (run_id) REFERENCES capture_runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		block_number INTEGER NOT NULL,
		kind TEXT NOT NULL,
		value REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES capture_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_anomalies_run ON anomalies(run_id);

	CREATE TABLE IF NOT EXISTS baselines (
		name TEXT PRIMARY KEY,
		stats TEXT NOT NULL,
		samples INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema; applied only when missing
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"capture_runs", "failure_code", "ALTER TABLE capture_runs ADD COLUMN failure_code TEXT"},
		{"capture_runs", "baseline", "ALTER TABLE capture_runs ADD COLUMN baseline TEXT"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				slog.Warn("migration failed", "table", m.table, "column", m.column, "error", err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Identifiers are validated first since they are formatted into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier reports whether s only holds alphanumerics and underscores.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun creates a new run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *CaptureRun) error {
	status := run.Status
	if status == "" {
		status = RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capture_runs (id, started_at, mode, iteration, tps, tx_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Mode, run.Iteration, run.TPS, run.TxCount, status)

	return err
}

// CompleteRun stores the final outcome and statistics of a run.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, run *CaptureRun) error {
	statsJSON, err := marshalNullable(run.Statistics)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}
	baselineJSON, err := marshalNullable(run.Baseline)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE capture_runs SET
			completed_at = ?,
			status = ?,
			failure_code = ?,
			error_message = ?,
			failures = ?,
			sample_count = ?,
			statistics = ?,
			baseline = ?
		WHERE id = ?
	`, completedAt, run.Status, nullString(string(run.FailureCode)), nullString(run.ErrorMessage),
		run.Failures, run.SampleCount, statsJSON, baselineJSON, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

const runColumns = `id, started_at, completed_at, mode, iteration, tps, tx_count, status,
	failure_code, error_message, failures, sample_count, statistics, baseline`

// GetRun retrieves a single run by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*CaptureRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM capture_runs WHERE id = ?", id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns a paginated list of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM capture_runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+`
		FROM capture_runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []CaptureRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run with its samples and anomalies.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM capture_runs WHERE id = ?", id)
	return err
}

// BulkInsertSamples inserts all samples of a run in a single transaction.
// A duplicate block number within a run violates the primary key and aborts the insert.
func (s *SQLiteStorage) BulkInsertSamples(ctx context.Context, runID string, samples []types.BlockSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO samples (run_id, block_number, timestamp_ms, size, extrinsics, latency)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sm := range samples {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		latency := sql.NullFloat64{Float64: sm.Latency, Valid: sm.LatencyKnown}
		if _, err := stmt.ExecContext(ctx, runID, sm.Number, sm.TimestampMs, sm.Size, sm.Extrinsics, latency); err != nil {
			return fmt.Errorf("insert sample %d: %w", sm.Number, err)
		}
	}

	return tx.Commit()
}

// GetSamples retrieves the samples of a run in block order.
func (s *SQLiteStorage) GetSamples(ctx context.Context, runID string) ([]types.BlockSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_number, timestamp_ms, size, extrinsics, latency
		FROM samples
		WHERE run_id = ?
		ORDER BY block_number
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []types.BlockSample{}
	for rows.Next() {
		var sm types.BlockSample
		var latency sql.NullFloat64
		if err := rows.Scan(&sm.Number, &sm.TimestampMs, &sm.Size, &sm.Extrinsics, &latency); err != nil {
			return nil, err
		}
		sm.Latency = latency.Float64
		sm.LatencyKnown = latency.Valid
		samples = append(samples, sm)
	}

	return samples, rows.Err()
}

// BulkInsertAnomalies inserts all anomalies of a run in a single transaction.
func (s *SQLiteStorage) BulkInsertAnomalies(ctx context.Context, runID string, anomalies []types.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO anomalies (run_id, block_number, kind, value)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, a := range anomalies {
		if _, err := stmt.ExecContext(ctx, runID, a.Block, string(a.Kind), a.Value); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetAnomalies retrieves the anomalies of a run in insertion order.
func (s *SQLiteStorage) GetAnomalies(ctx context.Context, runID string) ([]types.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT block_number, kind, value
		FROM anomalies
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	anomalies := []types.Anomaly{}
	for rows.Next() {
		var a types.Anomaly
		var kind string
		if err := rows.Scan(&a.Block, &kind, &a.Value); err != nil {
			return nil, err
		}
		a.Kind = types.AnomalyKind(kind)
		anomalies = append(anomalies, a)
	}

	return anomalies, rows.Err()
}

// SaveBaseline stores a named baseline, replacing any previous one with the same name.
func (s *SQLiteStorage) SaveBaseline(ctx context.Context, b CachedBaseline) error {
	statsJSON, err := json.Marshal(b.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO baselines (name, stats, samples, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			stats = excluded.stats,
			samples = excluded.samples,
			created_at = excluded.created_at
	`, b.Name, string(statsJSON), b.Samples, createdAt)
	return err
}

// LoadBaseline retrieves a named baseline.
func (s *SQLiteStorage) LoadBaseline(ctx context.Context, name string) (*CachedBaseline, error) {
	var b CachedBaseline
	var statsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT name, stats, samples, created_at FROM baselines WHERE name = ?
	`, name).Scan(&b.Name, &statsJSON, &b.Samples, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("baseline %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(statsJSON), &b.Stats); err != nil {
		return nil, fmt.Errorf("baseline %q: %w", name, err)
	}
	return &b, nil
}

// DeleteBaseline removes a named baseline.
func (s *SQLiteStorage) DeleteBaseline(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM baselines WHERE name = ?", name)
	return err
}

// Helper functions

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*CaptureRun, error) {
	var run CaptureRun
	var completedAt sql.NullTime
	var failureCode, errorMsg, statsJSON, baselineJSON sql.NullString

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Mode, &run.Iteration, &run.TPS, &run.TxCount,
		&run.Status, &failureCode, &errorMsg, &run.Failures, &run.SampleCount, &statsJSON, &baselineJSON)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if failureCode.Valid {
		run.FailureCode = types.FailureCode(failureCode.String)
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	if statsJSON.Valid && statsJSON.String != "" {
		run.Statistics = &types.RunStatistics{}
		unmarshalJSON(statsJSON.String, run.Statistics, "statistics", run.ID)
	}
	if baselineJSON.Valid && baselineJSON.String != "" {
		run.Baseline = &types.BaselineStats{}
		unmarshalJSON(baselineJSON.String, run.Baseline, "baseline", run.ID)
	}

	return &run, nil
}

// marshalNullable encodes v as JSON, or NULL when v is a nil pointer.
func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
