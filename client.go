package runloom

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lithammer/shortuuid/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Client is the caller-facing API over a store and an orchestration
// engine: idempotent run creation, orchestrated state transitions, and
// run reads, updates, and deletes.
type Client struct {
	store  Store
	engine *Engine
	tracer trace.Tracer
}

// NewClient creates a client backed by the given store. Engine options
// apply to the embedded orchestration engine.
func NewClient(store Store, opts ...EngineOption) *Client {
	return &Client{
		store:  store,
		engine: NewEngine(store, opts...),
		tracer: otel.Tracer("runloom.client"),
	}
}

// Engine exposes the embedded orchestration engine.
func (c *Client) Engine() *Engine {
	return c.engine
}

// CreateRun creates a new run from spec. Runs without an idempotency key
// are inserted unconditionally. For keyed runs, concurrent duplicate
// requests race safely: the insert silently no-ops on conflict, every
// caller re-reads the canonical row, and only the call that created the
// row drives the initial state through the engine, so each logical run
// receives its initial state exactly once. Losing callers receive the
// winner's canonical row rather than an error.
func (c *Client) CreateRun(ctx context.Context, spec RunSpec) (*Run, error) {
	if spec.FlowID == "" {
		return nil, fmt.Errorf("%w: flow id is required", ErrInvalidArgument)
	}
	if spec.State != nil && !spec.State.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown state type %q", ErrInvalidArgument, spec.State.Type)
	}

	ctx, span := c.tracer.Start(ctx, "runloom.client.CreateRun")
	defer span.End()

	var created *Run
	err := c.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		run := &Run{
			ID:             shortuuid.New(),
			FlowID:         spec.FlowID,
			Name:           spec.Name,
			IdempotencyKey: spec.IdempotencyKey,
		}
		if run.Name == "" {
			run.Name = "run-" + run.ID
		}

		assignInitialState := true
		if spec.IdempotencyKey == "" {
			if err := tx.InsertRun(ctx, run); err != nil {
				return fmt.Errorf("failed to insert run: %w", err)
			}
			// Re-read so the caller observes storage-assigned values.
			canonical, err := tx.GetRun(ctx, run.ID)
			if err != nil {
				return err
			}
			created = canonical
		} else {
			t0 := time.Now()
			if err := tx.InsertRunIgnoringConflict(ctx, run); err != nil {
				return fmt.Errorf("failed to insert run: %w", err)
			}
			// Read back unconditionally, whether the insert won or lost
			// the race, so every caller converges on the canonical row.
			canonical, err := tx.FindRunByIdempotencyKey(ctx, spec.FlowID, spec.IdempotencyKey)
			if err != nil {
				return err
			}
			created = canonical
			// A canonical row older than t0, or one that already carries a
			// state, was created by a different caller which owns the
			// initial-state assignment. The state check breaks the tie when
			// two racing callers both captured t0 before either inserted.
			assignInitialState = !canonical.CreatedAt.Before(t0) && canonical.State == nil
		}

		if assignInitialState && spec.State != nil {
			if _, err := c.engine.setState(ctx, tx, created.ID, spec.State, true); err != nil {
				return err
			}
			fresh, err := tx.GetRun(ctx, created.ID)
			if err != nil {
				return err
			}
			created = fresh
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// SetState proposes a new state for the run through the orchestration
// engine. See Engine.SetState.
func (c *Client) SetState(ctx context.Context, runID string, proposed *State, force bool) (*Result, error) {
	return c.engine.SetState(ctx, runID, proposed, force)
}

// AwaitState drives a transition through the engine, retrying with
// exponential backoff while the engine answers WAIT. Each retry waits at
// least the delay the WAIT result suggested. The last result is returned
// once the transition settles, the backoff gives up, or ctx is cancelled.
func (c *Client) AwaitState(ctx context.Context, runID string, proposed *State, force bool) (*Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond

	for {
		result, err := c.engine.SetState(ctx, runID, proposed, force)
		if err != nil {
			return nil, err
		}
		if result.Status != StatusWait {
			return result, nil
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return result, nil
		}
		if result.Details.RetryAfter > delay {
			delay = result.Details.RetryAfter
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		}
	}
}

// GetRun retrieves a run by id. Returns ErrRunNotFound if no run matches.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	return c.store.GetRun(ctx, runID)
}

// UpdateRun applies a partial metadata update to a run, outside the
// orchestrated state path. Returns ErrRunNotFound if no run matches.
func (c *Client) UpdateRun(ctx context.Context, runID string, update RunUpdate) error {
	return c.store.UpdateRunInfo(ctx, runID, update)
}

// ListRuns returns runs matching the filter.
func (c *Client) ListRuns(ctx context.Context, filter RunFilter, offset, limit int, sort RunSort) ([]*Run, error) {
	return c.store.ListRuns(ctx, filter, offset, limit, sort)
}

// CountRuns counts runs matching the filter.
func (c *Client) CountRuns(ctx context.Context, filter RunFilter) (int, error) {
	return c.store.CountRuns(ctx, filter)
}

// DeleteRun deletes a run and its state history, reporting whether a
// matching run existed.
func (c *Client) DeleteRun(ctx context.Context, runID string) (bool, error) {
	return c.store.DeleteRun(ctx, runID)
}

// StateHistory retrieves the run's full state history in append order.
func (c *Client) StateHistory(ctx context.Context, runID string) ([]*State, error) {
	return c.store.StateHistory(ctx, runID)
}
