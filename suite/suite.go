// Package suite provides a conformance test suite that every runloom Store
// implementation must pass.
package suite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom"
)

// StoreFactory is a function that creates a new store instance for testing.
type StoreFactory func(t *testing.T) runloom.Store

func newRun(flowID, key string) *runloom.Run {
	id := shortuuid.New()
	return &runloom.Run{
		ID:             id,
		FlowID:         flowID,
		Name:           "run-" + id,
		IdempotencyKey: key,
	}
}

func appendState(t *testing.T, s runloom.Store, runID string, stateType runloom.StateType) *runloom.State {
	t.Helper()
	ctx := t.Context()

	state := &runloom.State{
		ID:        shortuuid.New(),
		Type:      stateType,
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, s.AppendState(ctx, runID, state))
	require.NoError(t, s.SetCurrentState(ctx, runID, state.ID))
	return state
}

// RunStoreSuite runs the complete test suite against a store implementation.
func RunStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Helper()
	ctx := context.Background()

	t.Run("InsertAndGetRun", func(t *testing.T) {
		s := newStore(t)
		run := newRun("flow-a", "")

		require.NoError(t, s.InsertRun(ctx, run))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, run.ID, got.ID)
		require.Equal(t, "flow-a", got.FlowID)
		require.False(t, got.CreatedAt.IsZero(), "store must assign CreatedAt")
		require.Nil(t, got.State)
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetRun(ctx, "no-such-run")
		require.ErrorIs(t, err, runloom.ErrRunNotFound)
	})

	t.Run("InsertIgnoringConflict", func(t *testing.T) {
		s := newStore(t)
		first := newRun("flow-a", "key-1")
		second := newRun("flow-a", "key-1")

		require.NoError(t, s.InsertRunIgnoringConflict(ctx, first))
		require.NoError(t, s.InsertRunIgnoringConflict(ctx, second))

		canonical, err := s.FindRunByIdempotencyKey(ctx, "flow-a", "key-1")
		require.NoError(t, err)
		require.Equal(t, first.ID, canonical.ID, "first insert must win")

		_, err = s.GetRun(ctx, second.ID)
		require.ErrorIs(t, err, runloom.ErrRunNotFound, "losing insert must not create a row")
	})

	t.Run("ConflictScopedToFlow", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertRunIgnoringConflict(ctx, newRun("flow-a", "key-1")))
		require.NoError(t, s.InsertRunIgnoringConflict(ctx, newRun("flow-b", "key-1")))

		a, err := s.FindRunByIdempotencyKey(ctx, "flow-a", "key-1")
		require.NoError(t, err)
		b, err := s.FindRunByIdempotencyKey(ctx, "flow-b", "key-1")
		require.NoError(t, err)
		require.NotEqual(t, a.ID, b.ID)
	})

	t.Run("EmptyKeysDoNotConflict", func(t *testing.T) {
		s := newStore(t)
		first := newRun("flow-a", "")
		second := newRun("flow-a", "")

		require.NoError(t, s.InsertRun(ctx, first))
		require.NoError(t, s.InsertRun(ctx, second))

		_, err := s.GetRun(ctx, first.ID)
		require.NoError(t, err)
		_, err = s.GetRun(ctx, second.ID)
		require.NoError(t, err)
	})

	t.Run("FindByIdempotencyKeyNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindRunByIdempotencyKey(ctx, "flow-a", "missing")
		require.ErrorIs(t, err, runloom.ErrRunNotFound)
	})

	t.Run("AppendStateAdvancesPointer", func(t *testing.T) {
		s := newStore(t)
		run := newRun("flow-a", "")
		require.NoError(t, s.InsertRun(ctx, run))

		state := appendState(t, s, run.ID, runloom.StateScheduled)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got.State)
		require.Equal(t, state.ID, got.State.ID)
		require.Equal(t, runloom.StateScheduled, got.State.Type)
	})

	t.Run("AppendStateRunNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.AppendState(ctx, "no-such-run", &runloom.State{
			ID:        shortuuid.New(),
			Type:      runloom.StateScheduled,
			Timestamp: time.Now().UTC(),
		})
		require.ErrorIs(t, err, runloom.ErrRunNotFound)
	})

	t.Run("StateHistoryOrder", func(t *testing.T) {
		s := newStore(t)
		run := newRun("flow-a", "")
		require.NoError(t, s.InsertRun(ctx, run))

		sequence := []runloom.StateType{
			runloom.StateScheduled,
			runloom.StatePending,
			runloom.StateRunning,
			runloom.StateCompleted,
		}
		for _, st := range sequence {
			appendState(t, s, run.ID, st)
		}

		history, err := s.StateHistory(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, history, len(sequence))
		for i, st := range sequence {
			require.Equal(t, st, history[i].Type)
		}
	})

	t.Run("StateDataRoundTrip", func(t *testing.T) {
		s := newStore(t)
		run := newRun("flow-a", "")
		require.NoError(t, s.InsertRun(ctx, run))

		doc, err := runloom.NewDocument(runloom.EncodingJSON, map[string]string{"result": "ok"})
		require.NoError(t, err)

		state := &runloom.State{
			ID:        shortuuid.New(),
			Type:      runloom.StateCompleted,
			Timestamp: time.Now().UTC(),
			Message:   "done",
			Data:      doc,
		}
		require.NoError(t, s.AppendState(ctx, run.ID, state))
		require.NoError(t, s.SetCurrentState(ctx, run.ID, state.ID))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got.State.Data)
		require.Equal(t, runloom.EncodingJSON, got.State.Data.Encoding)

		var decoded map[string]string
		require.NoError(t, got.State.Data.Decode(&decoded))
		require.Equal(t, "ok", decoded["result"])
	})

	t.Run("UpdateRunInfo", func(t *testing.T) {
		s := newStore(t)
		run := newRun("flow-a", "")
		require.NoError(t, s.InsertRun(ctx, run))

		name := "renamed"
		start := time.Now().UTC()
		count := int64(3)
		require.NoError(t, s.UpdateRunInfo(ctx, run.ID, runloom.RunUpdate{
			Name:      &name,
			StartTime: &start,
			RunCount:  &count,
		}))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.Equal(t, "renamed", got.Name)
		require.NotNil(t, got.StartTime)
		require.Equal(t, int64(3), got.RunCount)
		require.Nil(t, got.EndTime)

		err = s.UpdateRunInfo(ctx, "no-such-run", runloom.RunUpdate{Name: &name})
		require.ErrorIs(t, err, runloom.ErrRunNotFound)
	})

	t.Run("ListRunsFilterAndSort", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for i := 0; i < 3; i++ {
			run := newRun("flow-a", "")
			run.ID = fmt.Sprintf("run-%d", i)
			require.NoError(t, s.InsertRun(ctx, run))
			ids = append(ids, run.ID)
		}
		other := newRun("flow-b", "")
		require.NoError(t, s.InsertRun(ctx, other))

		appendState(t, s, ids[0], runloom.StateRunning)
		appendState(t, s, ids[1], runloom.StateRunning)
		appendState(t, s, ids[2], runloom.StateCompleted)

		runs, err := s.ListRuns(ctx, runloom.RunFilter{FlowIDs: []string{"flow-a"}}, 0, 0, runloom.RunSortIDAsc)
		require.NoError(t, err)
		require.Len(t, runs, 3)
		require.Equal(t, ids[0], runs[0].ID)

		running, err := s.ListRuns(ctx, runloom.RunFilter{
			FlowIDs:    []string{"flow-a"},
			StateTypes: []runloom.StateType{runloom.StateRunning},
		}, 0, 0, runloom.RunSortIDAsc)
		require.NoError(t, err)
		require.Len(t, running, 2)

		paged, err := s.ListRuns(ctx, runloom.RunFilter{FlowIDs: []string{"flow-a"}}, 1, 1, runloom.RunSortIDAsc)
		require.NoError(t, err)
		require.Len(t, paged, 1)
		require.Equal(t, ids[1], paged[0].ID)
	})

	t.Run("CountRuns", func(t *testing.T) {
		s := newStore(t)
		a := newRun("flow-a", "")
		b := newRun("flow-a", "")
		require.NoError(t, s.InsertRun(ctx, a))
		require.NoError(t, s.InsertRun(ctx, b))
		appendState(t, s, a.ID, runloom.StateRunning)

		total, err := s.CountRuns(ctx, runloom.RunFilter{FlowIDs: []string{"flow-a"}})
		require.NoError(t, err)
		require.Equal(t, 2, total)

		running, err := s.CountRuns(ctx, runloom.RunFilter{
			FlowIDs:    []string{"flow-a"},
			StateTypes: []runloom.StateType{runloom.StateRunning},
		})
		require.NoError(t, err)
		require.Equal(t, 1, running)
	})

	t.Run("DeleteRun", func(t *testing.T) {
		s := newStore(t)
		run := newRun("flow-a", "key-del")
		require.NoError(t, s.InsertRun(ctx, run))
		appendState(t, s, run.ID, runloom.StateScheduled)

		deleted, err := s.DeleteRun(ctx, run.ID)
		require.NoError(t, err)
		require.True(t, deleted)

		_, err = s.GetRun(ctx, run.ID)
		require.ErrorIs(t, err, runloom.ErrRunNotFound)

		deleted, err = s.DeleteRun(ctx, run.ID)
		require.NoError(t, err)
		require.False(t, deleted)
	})

	t.Run("WithinTxCommit", func(t *testing.T) {
		s := newStore(t)
		run := newRun("flow-a", "")

		err := s.WithinTx(ctx, func(ctx context.Context, tx runloom.Tx) error {
			if err := tx.InsertRun(ctx, run); err != nil {
				return err
			}
			state := &runloom.State{
				ID:        shortuuid.New(),
				Type:      runloom.StateScheduled,
				Timestamp: time.Now().UTC(),
			}
			if err := tx.AppendState(ctx, run.ID, state); err != nil {
				return err
			}
			return tx.SetCurrentState(ctx, run.ID, state.ID)
		})
		require.NoError(t, err)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got.State)
	})

	t.Run("WithinTxRollback", func(t *testing.T) {
		s := newStore(t)
		run := newRun("flow-a", "key-rollback")
		boom := fmt.Errorf("boom")

		err := s.WithinTx(ctx, func(ctx context.Context, tx runloom.Tx) error {
			if err := tx.InsertRun(ctx, run); err != nil {
				return err
			}
			state := &runloom.State{
				ID:        shortuuid.New(),
				Type:      runloom.StateScheduled,
				Timestamp: time.Now().UTC(),
			}
			if err := tx.AppendState(ctx, run.ID, state); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = s.GetRun(ctx, run.ID)
		require.ErrorIs(t, err, runloom.ErrRunNotFound, "rolled back insert must not be visible")

		_, err = s.FindRunByIdempotencyKey(ctx, "flow-a", "key-rollback")
		require.ErrorIs(t, err, runloom.ErrRunNotFound)
	})
}
