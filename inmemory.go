package runloom

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is an in-memory implementation of the Store interface.
// This store is suitable for testing, development, and single-instance
// deployments. All data is lost when the process terminates.
//
// Units of work are serialized under one mutex, which trivially satisfies
// the isolation the engine requires: no two transactions ever interleave.
type InMemoryStore struct {
	mu    sync.Mutex
	runs  map[string]*memRun
	byKey map[memKey]string
}

type memRun struct {
	run    Run
	states []*State
}

type memKey struct {
	flowID string
	key    string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:  make(map[string]*memRun),
		byKey: make(map[memKey]string),
	}
}

// memTx provides the Tx view inside WithinTx, where the store mutex is
// already held.
type memTx struct {
	s *InMemoryStore
}

func (t *memTx) GetRun(ctx context.Context, runID string) (*Run, error) {
	return t.s.getRunLocked(runID)
}

func (t *memTx) InsertRun(ctx context.Context, run *Run) error {
	return t.s.insertRunLocked(run, false)
}

func (t *memTx) InsertRunIgnoringConflict(ctx context.Context, run *Run) error {
	return t.s.insertRunLocked(run, true)
}

func (t *memTx) FindRunByIdempotencyKey(ctx context.Context, flowID, key string) (*Run, error) {
	return t.s.findByKeyLocked(flowID, key)
}

func (t *memTx) AppendState(ctx context.Context, runID string, state *State) error {
	return t.s.appendStateLocked(runID, state)
}

func (t *memTx) SetCurrentState(ctx context.Context, runID, stateID string) error {
	return t.s.setCurrentStateLocked(runID, stateID)
}

func (t *memTx) UpdateRunInfo(ctx context.Context, runID string, update RunUpdate) error {
	return t.s.updateRunInfoLocked(runID, update)
}

func (t *memTx) StateHistory(ctx context.Context, runID string) ([]*State, error) {
	return t.s.stateHistoryLocked(runID)
}

func (t *memTx) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	return t.s.countRunsLocked(filter)
}

// WithinTx serializes the unit of work under the store mutex. On error the
// store is restored from a snapshot, so no partial write is ever visible.
func (s *InMemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapRuns, snapKeys := s.cloneLocked()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.runs = snapRuns
		s.byKey = snapKeys
		return err
	}
	return nil
}

func (s *InMemoryStore) cloneLocked() (map[string]*memRun, map[memKey]string) {
	runs := make(map[string]*memRun, len(s.runs))
	for id, rec := range s.runs {
		states := make([]*State, len(rec.states))
		for i, st := range rec.states {
			states[i] = st.copy()
		}
		run := *rec.run.copy()
		runs[id] = &memRun{run: run, states: states}
	}
	keys := make(map[memKey]string, len(s.byKey))
	for k, v := range s.byKey {
		keys[k] = v
	}
	return runs, keys
}

func (s *InMemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRunLocked(runID)
}

func (s *InMemoryStore) InsertRun(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRunLocked(run, false)
}

func (s *InMemoryStore) InsertRunIgnoringConflict(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertRunLocked(run, true)
}

func (s *InMemoryStore) FindRunByIdempotencyKey(ctx context.Context, flowID, key string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByKeyLocked(flowID, key)
}

func (s *InMemoryStore) AppendState(ctx context.Context, runID string, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendStateLocked(runID, state)
}

func (s *InMemoryStore) SetCurrentState(ctx context.Context, runID, stateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCurrentStateLocked(runID, stateID)
}

func (s *InMemoryStore) UpdateRunInfo(ctx context.Context, runID string, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRunInfoLocked(runID, update)
}

func (s *InMemoryStore) StateHistory(ctx context.Context, runID string) ([]*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateHistoryLocked(runID)
}

func (s *InMemoryStore) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countRunsLocked(filter)
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter RunFilter, offset, limit int, sort RunSort) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []*Run
	for _, rec := range s.runs {
		if matchesFilter(&rec.run, filter) {
			runs = append(runs, rec.run.copy())
		}
	}
	sortRuns(runs, sort)

	if offset > 0 {
		if offset >= len(runs) {
			return nil, nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *InMemoryStore) DeleteRun(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.runs[runID]
	if !exists {
		return false, nil
	}
	if rec.run.IdempotencyKey != "" {
		delete(s.byKey, memKey{flowID: rec.run.FlowID, key: rec.run.IdempotencyKey})
	}
	delete(s.runs, runID)
	return true, nil
}

func (s *InMemoryStore) getRunLocked(runID string) (*Run, error) {
	rec, exists := s.runs[runID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rec.run.copy(), nil
}

func (s *InMemoryStore) insertRunLocked(run *Run, ignoreConflict bool) error {
	if _, exists := s.runs[run.ID]; exists {
		if ignoreConflict {
			return nil
		}
		return fmt.Errorf("run %s already exists", run.ID)
	}

	if run.IdempotencyKey != "" {
		key := memKey{flowID: run.FlowID, key: run.IdempotencyKey}
		if _, exists := s.byKey[key]; exists {
			if ignoreConflict {
				return nil
			}
			return fmt.Errorf("run with idempotency key %q already exists for flow %s", run.IdempotencyKey, run.FlowID)
		}
		s.byKey[key] = run.ID
	}

	stored := *run.copy()
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.State = nil
	s.runs[run.ID] = &memRun{run: stored}
	return nil
}

func (s *InMemoryStore) findByKeyLocked(flowID, key string) (*Run, error) {
	runID, exists := s.byKey[memKey{flowID: flowID, key: key}]
	if !exists {
		return nil, fmt.Errorf("%w: flow %s key %q", ErrRunNotFound, flowID, key)
	}
	return s.getRunLocked(runID)
}

func (s *InMemoryStore) appendStateLocked(runID string, state *State) error {
	rec, exists := s.runs[runID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rec.states = append(rec.states, state.copy())
	return nil
}

func (s *InMemoryStore) setCurrentStateLocked(runID, stateID string) error {
	rec, exists := s.runs[runID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	for _, st := range rec.states {
		if st.ID == stateID {
			rec.run.State = st.copy()
			rec.run.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("state %s not found for run %s", stateID, runID)
}

func (s *InMemoryStore) updateRunInfoLocked(runID string, update RunUpdate) error {
	rec, exists := s.runs[runID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if update.Name != nil {
		rec.run.Name = *update.Name
	}
	if update.StartTime != nil {
		t := *update.StartTime
		rec.run.StartTime = &t
	}
	if update.EndTime != nil {
		t := *update.EndTime
		rec.run.EndTime = &t
	}
	if update.RunCount != nil {
		rec.run.RunCount = *update.RunCount
	}
	rec.run.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) stateHistoryLocked(runID string) ([]*State, error) {
	rec, exists := s.runs[runID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	history := make([]*State, len(rec.states))
	for i, st := range rec.states {
		history[i] = st.copy()
	}
	return history, nil
}

func (s *InMemoryStore) countRunsLocked(filter RunFilter) (int, error) {
	count := 0
	for _, rec := range s.runs {
		if matchesFilter(&rec.run, filter) {
			count++
		}
	}
	return count, nil
}

func matchesFilter(run *Run, filter RunFilter) bool {
	if len(filter.FlowIDs) > 0 && !contains(filter.FlowIDs, run.FlowID) {
		return false
	}
	if len(filter.StateTypes) > 0 {
		if run.State == nil || !contains(filter.StateTypes, run.State.Type) {
			return false
		}
	}
	if filter.CreatedAfter != nil && !run.CreatedAt.After(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && !run.CreatedAt.Before(*filter.CreatedBefore) {
		return false
	}
	return true
}

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func sortRuns(runs []*Run, order RunSort) {
	sort.SliceStable(runs, func(i, j int) bool {
		switch order {
		case RunSortCreatedAsc:
			if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
				return runs[i].CreatedAt.Before(runs[j].CreatedAt)
			}
			return runs[i].ID < runs[j].ID
		case RunSortIDAsc:
			return runs[i].ID < runs[j].ID
		case RunSortIDDesc:
			return runs[i].ID > runs[j].ID
		default: // RunSortCreatedDesc
			if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
				return runs[i].CreatedAt.After(runs[j].CreatedAt)
			}
			return runs[i].ID > runs[j].ID
		}
	})
}
