package runloom

import (
	"context"
	"time"
)

// RunFilter selects runs for listing and counting. Zero-value fields are
// ignored; set fields are combined with AND.
type RunFilter struct {
	// FlowIDs restricts results to runs owned by any of these flows.
	FlowIDs []string

	// StateTypes restricts results to runs whose current state matches any
	// of these types.
	StateTypes []StateType

	// CreatedAfter / CreatedBefore bound the run creation timestamp.
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// RunSort orders run listings.
type RunSort string

const (
	RunSortCreatedDesc RunSort = "CREATED_DESC"
	RunSortCreatedAsc  RunSort = "CREATED_ASC"
	RunSortIDDesc      RunSort = "ID_DESC"
	RunSortIDAsc       RunSort = "ID_ASC"
)

// Tx provides access to runs and their state history. When obtained through
// Store.WithinTx all operations are part of one atomic unit of work; the
// Store itself also implements Tx for one-shot access.
type Tx interface {
	// GetRun retrieves a run by id, including its current state.
	// Returns ErrRunNotFound if no run matches.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// InsertRun inserts a new run row unconditionally. The store assigns
	// CreatedAt and UpdatedAt.
	InsertRun(ctx context.Context, run *Run) error

	// InsertRunIgnoringConflict inserts a new run row, silently doing
	// nothing when a row with the same (flow id, idempotency key) already
	// exists. The uniqueness constraint is enforced by the store.
	InsertRunIgnoringConflict(ctx context.Context, run *Run) error

	// FindRunByIdempotencyKey retrieves the canonical run row for the
	// given (flow id, idempotency key) pair.
	// Returns ErrRunNotFound if no run matches.
	FindRunByIdempotencyKey(ctx context.Context, flowID, key string) (*Run, error)

	// AppendState appends an immutable state row to the run's history.
	// It does not move the run's current-state pointer.
	AppendState(ctx context.Context, runID string, state *State) error

	// SetCurrentState advances the run's current-state pointer to a state
	// previously appended with AppendState.
	SetCurrentState(ctx context.Context, runID, stateID string) error

	// UpdateRunInfo applies a partial metadata update to a run.
	// Returns ErrRunNotFound if no run matches.
	UpdateRunInfo(ctx context.Context, runID string, update RunUpdate) error

	// StateHistory retrieves all states ever attached to the run, in
	// append order.
	StateHistory(ctx context.Context, runID string) ([]*State, error)

	// CountRuns counts runs matching the filter.
	CountRuns(ctx context.Context, filter RunFilter) (int, error)
}

// Store is the interface for persisting runs and their state history.
type Store interface {
	Tx

	// ListRuns returns runs matching the filter, ordered by sort, sliced
	// by offset and limit (limit <= 0 means no limit).
	ListRuns(ctx context.Context, filter RunFilter, offset, limit int, sort RunSort) ([]*Run, error)

	// DeleteRun deletes a run and its state history, reporting whether a
	// matching run existed.
	DeleteRun(ctx context.Context, runID string) (bool, error)

	// WithinTx runs fn inside one atomic unit of work. If fn returns an
	// error the whole unit is discarded and no partial write is visible.
	// Concurrent units of work against the same run are serialized by the
	// store, preventing lost updates on the current-state pointer.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
