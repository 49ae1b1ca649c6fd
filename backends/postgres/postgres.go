// Package postgres implements the runloom Store interface using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/runloom/runloom"
)

// Store implements the runloom.Store interface using PostgreSQL.
type Store struct {
	pgQueries
	db *sql.DB
}

// New creates a new PostgreSQL store.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pgQueries: pgQueries{q: db}, db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables.
func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(255) PRIMARY KEY,
			flow_id VARCHAR(255) NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			current_state_id VARCHAR(255),
			start_time TIMESTAMP WITH TIME ZONE,
			end_time TIMESTAMP WITH TIME ZONE,
			run_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_flow_idempotency
			ON runs(flow_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS run_states (
			id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			type VARCHAR(20) NOT NULL,
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			data JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_states_run_id ON run_states(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_flow_id ON runs(flow_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}
	return nil
}

// WithinTx runs fn inside one database transaction. Transactional reads of
// run rows take row-level locks, so concurrent units of work against the
// same run serialize instead of losing updates.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx runloom.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(ctx, &pgQueries{q: tx, forUpdate: true}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRuns returns runs matching the filter.
func (s *Store) ListRuns(ctx context.Context, filter runloom.RunFilter, offset, limit int, sort runloom.RunSort) ([]*runloom.Run, error) {
	where, args := filterClause(filter)

	query := selectRunColumns + " FROM runs" + where + " ORDER BY " + sortClause(sort)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*runloom.Run
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
		state, err := s.pgQueries.getState(ctx, stateIDs[i])
		if err != nil {
			return nil, err
		}
		run.State = state
	}
	return runs, nil
}

// DeleteRun deletes a run; its state history goes with it via ON DELETE
// CASCADE.
func (s *Store) DeleteRun(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = $1", runID)
	if err != nil {
		return false, fmt.Errorf("failed to delete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

const selectRunColumns = "SELECT id, flow_id, name, idempotency_key, current_state_id, start_time, end_time, run_count, created_at, updated_at"

// pgQuerier is satisfied by both *sql.DB and *sql.Tx.
type pgQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgQueries struct {
	q pgQuerier

	// forUpdate makes run reads take row-level locks; set inside WithinTx.
	forUpdate bool
}

func (s *pgQueries) GetRun(ctx context.Context, runID string) (*runloom.Run, error) {
	query := selectRunColumns + " FROM runs WHERE id = $1"
	if s.forUpdate {
		query += " FOR UPDATE"
	}
	run, stateID, err := scanRun(s.q.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", runloom.ErrRunNotFound, runID)
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

func (s *pgQueries) InsertRun(ctx context.Context, run *runloom.Run) error {
	return s.insertRun(ctx, run, false)
}

func (s *pgQueries) InsertRunIgnoringConflict(ctx context.Context, run *runloom.Run) error {
	return s.insertRun(ctx, run, true)
}

func (s *pgQueries) insertRun(ctx context.Context, run *runloom.Run, ignoreConflict bool) error {
	stmt := `INSERT INTO runs (id, flow_id, name, idempotency_key, run_count, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if ignoreConflict {
		stmt += ` ON CONFLICT (flow_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`
	}

	now := time.Now().UTC()
	_, err := s.q.ExecContext(ctx, stmt,
		run.ID, run.FlowID, run.Name, nullString(run.IdempotencyKey), run.RunCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *pgQueries) FindRunByIdempotencyKey(ctx context.Context, flowID, key string) (*runloom.Run, error) {
	query := selectRunColumns + " FROM runs WHERE flow_id = $1 AND idempotency_key = $2 LIMIT 1"
	run, stateID, err := scanRun(s.q.QueryRowContext(ctx, query, flowID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: flow %s key %q", runloom.ErrRunNotFound, flowID, key)
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

func (s *pgQueries) AppendState(ctx context.Context, runID string, state *runloom.State) error {
	var data any
	if state.Data != nil {
		encoded, err := json.Marshal(state.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal state data: %w", err)
		}
		data = string(encoded)
	}

	res, err := s.q.ExecContext(ctx,
		`INSERT INTO run_states (id, run_id, position, type, timestamp, message, data)
		 SELECT $1, id, (SELECT COUNT(*) FROM run_states WHERE run_id = $2), $3, $4, $5, $6
		 FROM runs WHERE id = $2`,
		state.ID, runID, string(state.Type), state.Timestamp, state.Message, data,
	)
	if err != nil {
		return fmt.Errorf("failed to append state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", runloom.ErrRunNotFound, runID)
	}
	return nil
}

func (s *pgQueries) SetCurrentState(ctx context.Context, runID, stateID string) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE runs SET current_state_id = $1, updated_at = $2 WHERE id = $3",
		stateID, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to set current state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", runloom.ErrRunNotFound, runID)
	}
	return nil
}

func (s *pgQueries) UpdateRunInfo(ctx context.Context, runID string, update runloom.RunUpdate) error {
	sets := []string{"updated_at = $1"}
	args := []any{time.Now().UTC()}
	if update.Name != nil {
		args = append(args, *update.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if update.StartTime != nil {
		args = append(args, *update.StartTime)
		sets = append(sets, fmt.Sprintf("start_time = $%d", len(args)))
	}
	if update.EndTime != nil {
		args = append(args, *update.EndTime)
		sets = append(sets, fmt.Sprintf("end_time = $%d", len(args)))
	}
	if update.RunCount != nil {
		args = append(args, *update.RunCount)
		sets = append(sets, fmt.Sprintf("run_count = $%d", len(args)))
	}
	args = append(args, runID)

	stmt := fmt.Sprintf("UPDATE runs SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := s.q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", runloom.ErrRunNotFound, runID)
	}
	return nil
}

func (s *pgQueries) StateHistory(ctx context.Context, runID string) ([]*runloom.State, error) {
	var exists int
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE id = $1", runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check run: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", runloom.ErrRunNotFound, runID)
	}

	rows, err := s.q.QueryContext(ctx,
		"SELECT id, type, timestamp, message, data FROM run_states WHERE run_id = $1 ORDER BY position ASC",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var history []*runloom.State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, state)
	}
	return history, rows.Err()
}

func (s *pgQueries) CountRuns(ctx context.Context, filter runloom.RunFilter) (int, error) {
	where, args := filterClause(filter)
	var count int
	err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

func (s *pgQueries) getState(ctx context.Context, stateID string) (*runloom.State, error) {
	row := s.q.QueryRowContext(ctx,
		"SELECT id, type, timestamp, message, data FROM run_states WHERE id = $1",
		stateID,
	)
	state, err := scanState(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get state %s: %w", stateID, err)
	}
	return state, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*runloom.Run, string, error) {
	var run runloom.Run
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

func scanState(row rowScanner) (*runloom.State, error) {
	var state runloom.State
	var stateType string
	var data []byte
	if err := row.Scan(&state.ID, &stateType, &state.Timestamp, &state.Message, &data); err != nil {
		return nil, err
	}
	state.Type = runloom.StateType(stateType)
	if len(data) > 0 {
		var doc runloom.Document
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

func filterClause(filter runloom.RunFilter) (string, []any) {
	var conds []string
	var args []any

	if len(filter.FlowIDs) > 0 {
		ph := make([]string, len(filter.FlowIDs))
		for i, id := range filter.FlowIDs {
			args = append(args, id)
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "flow_id IN ("+strings.Join(ph, ",")+")")
	}
	if len(filter.StateTypes) > 0 {
		ph := make([]string, len(filter.StateTypes))
		for i, t := range filter.StateTypes {
			args = append(args, string(t))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "current_state_id IN (SELECT id FROM run_states WHERE type IN ("+strings.Join(ph, ",")+"))")
	}
	if filter.CreatedAfter != nil {
		args = append(args, *filter.CreatedAfter)
		conds = append(conds, fmt.Sprintf("created_at > $%d", len(args)))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func sortClause(sort runloom.RunSort) string {
	switch sort {
	case runloom.RunSortCreatedAsc:
		return "created_at ASC, id ASC"
	case runloom.RunSortIDAsc:
		return "id ASC"
	case runloom.RunSortIDDesc:
		return "id DESC"
	default:
		return "created_at DESC, id DESC"
	}
}
