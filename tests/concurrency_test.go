package tests

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) runloom.Store {
	t.Helper()
	return map[string]func(t *testing.T) runloom.Store{
		"inmemory": func(t *testing.T) runloom.Store {
			return runloom.NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) runloom.Store {
			store, err := runloom.NewSQLiteStore(filepath.Join(t.TempDir(), "runloom.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
}

// TestConcurrentCreateRunAssignsOneInitialState races many identical keyed
// creation requests and verifies they converge on a single run with a
// single initial state, on every backend.
func TestConcurrentCreateRunAssignsOneInitialState(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			client := runloom.NewClient(newStore(t))

			const callers = 16
			runs := make([]*runloom.Run, callers)
			errs := make([]error, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					runs[i], errs[i] = client.CreateRun(ctx, runloom.RunSpec{
						FlowID:         "flow-race",
						IdempotencyKey: "key-race",
						State:          runloom.Scheduled(),
					})
				}(i)
			}
			wg.Wait()

			for i := 0; i < callers; i++ {
				require.NoError(t, errs[i])
				require.Equal(t, runs[0].ID, runs[i].ID, "all callers must converge on one run")
			}

			history, err := client.StateHistory(ctx, runs[0].ID)
			require.NoError(t, err)
			require.Len(t, history, 1, "the initial state must be assigned exactly once")
			require.Equal(t, runloom.StateScheduled, history[0].Type)

			count, err := client.CountRuns(ctx, runloom.RunFilter{FlowIDs: []string{"flow-race"}})
			require.NoError(t, err)
			require.Equal(t, 1, count, "losing inserts must not leave rows behind")
		})
	}
}

// TestConcurrentTransitionsToTerminalState races transitions into terminal
// states on one run: exactly one wins, the rest are aborted by the
// terminal-state guard.
func TestConcurrentTransitionsToTerminalState(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			client := runloom.NewClient(newStore(t))

			run, err := client.CreateRun(ctx, runloom.RunSpec{
				FlowID: "flow-1",
				State:  runloom.Running(),
			})
			require.NoError(t, err)

			const racers = 8
			results := make([]*runloom.Result, racers)
			errs := make([]error, racers)
			var wg sync.WaitGroup
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					proposed := runloom.Completed()
					if i%2 == 1 {
						proposed = runloom.Failed(fmt.Sprintf("racer %d", i))
					}
					results[i], errs[i] = client.SetState(ctx, run.ID, proposed, false)
				}(i)
			}
			wg.Wait()

			accepted := 0
			for i := 0; i < racers; i++ {
				require.NoError(t, errs[i])
				switch results[i].Status {
				case runloom.StatusAccept:
					accepted++
				case runloom.StatusAbort:
				default:
					t.Fatalf("unexpected status %s", results[i].Status)
				}
			}
			require.Equal(t, 1, accepted, "exactly one racer may move the run into a terminal state")

			history, err := client.StateHistory(ctx, run.ID)
			require.NoError(t, err)
			require.Len(t, history, 2)
			require.True(t, history[1].Type.Terminal())
		})
	}
}

// TestConcurrentDistinctKeysCreateDistinctRuns checks that the conflict
// handling never collapses runs that should stay separate.
func TestConcurrentDistinctKeysCreateDistinctRuns(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			client := runloom.NewClient(newStore(t))

			const callers = 8
			runs := make([]*runloom.Run, callers)
			errs := make([]error, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					runs[i], errs[i] = client.CreateRun(ctx, runloom.RunSpec{
						FlowID:         "flow-1",
						IdempotencyKey: fmt.Sprintf("key-%d", i),
						State:          runloom.Scheduled(),
					})
				}(i)
			}
			wg.Wait()

			seen := make(map[string]bool)
			for i := 0; i < callers; i++ {
				require.NoError(t, errs[i])
				require.False(t, seen[runs[i].ID], "distinct keys must yield distinct runs")
				seen[runs[i].ID] = true
			}

			count, err := client.CountRuns(ctx, runloom.RunFilter{FlowIDs: []string{"flow-1"}})
			require.NoError(t, err)
			require.Equal(t, callers, count)
		})
	}
}
