package runloom

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Engine orchestrates state transitions for runs. It compiles the core and
// global policies for each transition intent, executes the resulting rule
// chain inside one atomic unit of work, and assembles the orchestration
// result.
type Engine struct {
	store  Store
	core   *Policy
	global *Policy
	logger *slog.Logger
	tracer trace.Tracer
}

// EngineOption configures behaviour of an engine.
type EngineOption func(*Engine)

// WithCorePolicy replaces the default core policy. Core rules are skipped
// when a transition is forced.
func WithCorePolicy(p *Policy) EngineOption {
	return func(e *Engine) {
		e.core = p
	}
}

// WithGlobalPolicy replaces the default global policy. Global rules apply
// to every transition, forced or not.
func WithGlobalPolicy(p *Policy) EngineOption {
	return func(e *Engine) {
		e.global = p
	}
}

// WithLogger sets the logger used for transition logging.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an orchestration engine backed by the given store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  store,
		core:   DefaultCorePolicy(),
		global: DefaultGlobalPolicy(),
		logger: slog.Default(),
		tracer: otel.Tracer("runloom.engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetState proposes a new state for the run. The proposal is driven through
// the compiled rule chain inside one atomic unit of work; callers must
// branch on the result's status rather than expect an error for vetoed
// transitions. Returns ErrRunNotFound if no run matches runID, and
// ErrInvalidArgument for a malformed proposal before any storage access.
func (e *Engine) SetState(ctx context.Context, runID string, proposed *State, force bool) (*Result, error) {
	if proposed == nil {
		return nil, fmt.Errorf("%w: no state proposed", ErrInvalidArgument)
	}
	if !proposed.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown state type %q", ErrInvalidArgument, proposed.Type)
	}

	var result *Result
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		result, err = e.setState(ctx, tx, runID, proposed, force)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// setState runs the orchestration algorithm against an already-open unit of
// work. The idempotent creator reuses it to force initial transitions
// inside its own transaction.
func (e *Engine) setState(ctx context.Context, tx Tx, runID string, proposed *State, force bool) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "runloom.engine.SetState")
	defer span.End()

	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	initial := run.State.copy()
	from := NoType
	if initial != nil {
		from = initial.Type
	}

	var rules []Rule
	if !force {
		rules = append(rules, e.core.Compile(from, proposed.Type)...)
	}
	rules = append(rules, e.global.Compile(from, proposed.Type)...)

	octx := &OrchestrationContext{
		Run:           run,
		InitialState:  initial,
		ProposedState: proposed.copy(),
		Status:        StatusAccept,
		tx:            tx,
	}

	if err := runChain(ctx, octx, rules); err != nil {
		return nil, err
	}

	e.logger.Debug("state transition orchestrated",
		"run_id", runID,
		"from", string(from),
		"proposed", string(proposed.Type),
		"status", string(octx.Status),
		"forced", force,
	)

	return octx.result(), nil
}
