package runloom

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store implementation that uses SQLite for persistence.
type SQLiteStore struct {
	sqliteQueries
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore.
// The dsn is the data source name for the SQLite database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite supports a single writer; funneling every unit of work
	// through one connection serializes them, which is the isolation the
	// engine and the idempotent creation protocol rely on.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	store := &SQLiteStore{sqliteQueries: sqliteQueries{q: db}, db: db}
	if err := store.init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// init creates the necessary tables in the database if they don't exist.
func (s *SQLiteStore) init() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		current_state_id TEXT,
		start_time DATETIME,
		end_time DATETIME,
		run_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_flow_idempotency
		ON runs(flow_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE TABLE IF NOT EXISTS run_states (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		data BLOB,
		FOREIGN KEY(run_id) REFERENCES runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_run_states_run_id ON run_states(run_id);
	`
	_, err := s.db.Exec(ddl)
	return err
}

// WithinTx runs fn inside one SQLite transaction. The single-connection
// pool serializes concurrent units of work.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, &sqliteQueries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRuns returns runs matching the filter.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter, offset, limit int, sort RunSort) ([]*Run, error) {
	where, args := sqliteFilterClause(filter)

	query := "SELECT id, flow_id, name, idempotency_key, current_state_id, start_time, end_time, run_count, created_at, updated_at FROM runs" + where
	query += " ORDER BY " + sqliteSortClause(sort)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	} else if offset > 0 {
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	var stateIDs []string
	for rows.Next() {
		run, stateID, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
		stateIDs = append(stateIDs, stateID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, run := range runs {
		if stateIDs[i] == "" {
			continue
		}
		state, err := s.sqliteQueries.getState(ctx, stateIDs[i])
		if err != nil {
			return nil, err
		}
		run.State = state
	}
	return runs, nil
}

// DeleteRun deletes a run and its state history in one transaction.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM run_states WHERE run_id = ?", runID); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("failed to delete run states: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", runID)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("failed to delete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return affected > 0, nil
}

// sqliteQuerier is satisfied by both *sql.DB and *sql.Tx, so the same query
// methods serve one-shot and transactional access.
type sqliteQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQueries struct {
	q sqliteQuerier
}

func (s *sqliteQueries) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT id, flow_id, name, idempotency_key, current_state_id, start_time, end_time, run_count, created_at, updated_at FROM runs WHERE id = ?",
		runID,
	)
	run, stateID, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	if stateID != "" {
		state, err := s.getState(ctx, stateID)
		if err != nil {
			return nil, err
		}
		run.State = state
	}
	return run, nil
}

func (s *sqliteQueries) InsertRun(ctx context.Context, run *Run) error {
	return s.insertRun(ctx, run, false)
}

func (s *sqliteQueries) InsertRunIgnoringConflict(ctx context.Context, run *Run) error {
	return s.insertRun(ctx, run, true)
}

func (s *sqliteQueries) insertRun(ctx context.Context, run *Run, ignoreConflict bool) error {
	stmt := "INSERT INTO runs (id, flow_id, name, idempotency_key, run_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)"
	if ignoreConflict {
		stmt = "INSERT OR IGNORE INTO runs (id, flow_id, name, idempotency_key, run_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)"
	}

	now := time.Now()
	_, err := s.q.ExecContext(ctx, stmt,
		run.ID, run.FlowID, run.Name, nullString(run.IdempotencyKey), run.RunCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *sqliteQueries) FindRunByIdempotencyKey(ctx context.Context, flowID, key string) (*Run, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT id, flow_id, name, idempotency_key, current_state_id, start_time, end_time, run_count, created_at, updated_at FROM runs WHERE flow_id = ? AND idempotency_key = ? LIMIT 1",
		flowID, key,
	)
	run, stateID, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: flow %s key %q", ErrRunNotFound, flowID, key)
		}
		return nil, err
	}
	if stateID != "" {
		state, err := s.getState(ctx, stateID)
		if err != nil {
			return nil, err
		}
		run.State = state
	}
	return run, nil
}

func (s *sqliteQueries) AppendState(ctx context.Context, runID string, state *State) error {
	var exists int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE id = ?", runID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	var data []byte
	if state.Data != nil {
		encoded, err := json.Marshal(state.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal state data: %w", err)
		}
		data = encoded
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO run_states (id, run_id, position, type, timestamp, message, data)
		 VALUES (?, ?, (SELECT COUNT(*) FROM run_states WHERE run_id = ?), ?, ?, ?, ?)`,
		state.ID, runID, runID, string(state.Type), state.Timestamp, state.Message, data,
	)
	if err != nil {
		return fmt.Errorf("failed to append state: %w", err)
	}
	return nil
}

func (s *sqliteQueries) SetCurrentState(ctx context.Context, runID, stateID string) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE runs SET current_state_id = ?, updated_at = ? WHERE id = ?",
		stateID, time.Now(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to set current state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (s *sqliteQueries) UpdateRunInfo(ctx context.Context, runID string, update RunUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.StartTime != nil {
		sets = append(sets, "start_time = ?")
		args = append(args, *update.StartTime)
	}
	if update.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, *update.EndTime)
	}
	if update.RunCount != nil {
		sets = append(sets, "run_count = ?")
		args = append(args, *update.RunCount)
	}
	args = append(args, runID)

	res, err := s.q.ExecContext(ctx, "UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func (s *sqliteQueries) StateHistory(ctx context.Context, runID string) ([]*State, error) {
	var exists int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE id = ?", runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check run: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rows, err := s.q.QueryContext(ctx,
		"SELECT id, type, timestamp, message, data FROM run_states WHERE run_id = ? ORDER BY position ASC",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var history []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, state)
	}
	return history, rows.Err()
}

func (s *sqliteQueries) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	where, args := sqliteFilterClause(filter)
	var count int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

func (s *sqliteQueries) getState(ctx context.Context, stateID string) (*State, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT id, type, timestamp, message, data FROM run_states WHERE id = ?",
		stateID,
	)
	state, err := scanState(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get state %s: %w", stateID, err)
	}
	return state, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, string, error) {
	var run Run
	var idempotencyKey, currentStateID sql.NullString
	var startTime, endTime sql.NullTime
	err := row.Scan(
		&run.ID, &run.FlowID, &run.Name, &idempotencyKey, &currentStateID,
		&startTime, &endTime, &run.RunCount, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, "", err
	}
	run.IdempotencyKey = idempotencyKey.String
	if startTime.Valid {
		t := startTime.Time
		run.StartTime = &t
	}
	if endTime.Valid {
		t := endTime.Time
		run.EndTime = &t
	}
	return &run, currentStateID.String, nil
}

func scanState(row rowScanner) (*State, error) {
	var state State
	var stateType string
	var data []byte
	if err := row.Scan(&state.ID, &stateType, &state.Timestamp, &state.Message, &data); err != nil {
		return nil, err
	}
	state.Type = StateType(stateType)
	if len(data) > 0 {
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state data: %w", err)
		}
		state.Data = &doc
	}
	return &state, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func sqliteFilterClause(filter RunFilter) (string, []any) {
	var conds []string
	var args []any

	if len(filter.FlowIDs) > 0 {
		conds = append(conds, "flow_id IN ("+placeholders(len(filter.FlowIDs))+")")
		for _, id := range filter.FlowIDs {
			args = append(args, id)
		}
	}
	if len(filter.StateTypes) > 0 {
		conds = append(conds, "current_state_id IN (SELECT id FROM run_states WHERE type IN ("+placeholders(len(filter.StateTypes))+"))")
		for _, t := range filter.StateTypes {
			args = append(args, string(t))
		}
	}
	if filter.CreatedAfter != nil {
		conds = append(conds, "created_at > ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, *filter.CreatedBefore)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func sqliteSortClause(sort RunSort) string {
	switch sort {
	case RunSortCreatedAsc:
		return "created_at ASC, id ASC"
	case RunSortIDAsc:
		return "id ASC"
	case RunSortIDDesc:
		return "id DESC"
	default:
		return "created_at DESC, id DESC"
	}
}
