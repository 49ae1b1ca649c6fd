package runloom

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// ClientTestSuite exercises the caller-facing API, in particular the
// idempotent run creation protocol.
type ClientTestSuite struct {
	suite.Suite
	store  *InMemoryStore
	client *Client
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (s *ClientTestSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.client = NewClient(s.store)
}

func (s *ClientTestSuite) TestCreateRunWithoutKey() {
	ctx := context.Background()

	run, err := s.client.CreateRun(ctx, RunSpec{FlowID: "flow-1", State: Scheduled()})
	s.Require().NoError(err)
	s.Require().NotEmpty(run.ID)
	s.Require().Equal("flow-1", run.FlowID)
	s.Require().NotEmpty(run.Name, "a name is generated when none is given")
	s.Require().False(run.CreatedAt.IsZero())
	s.Require().NotNil(run.State)
	s.Require().Equal(StateScheduled, run.State.Type)

	history, err := s.client.StateHistory(ctx, run.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
}

func (s *ClientTestSuite) TestCreateRunWithoutState() {
	run, err := s.client.CreateRun(context.Background(), RunSpec{FlowID: "flow-1", Name: "bare"})
	s.Require().NoError(err)
	s.Require().Equal("bare", run.Name)
	s.Require().Nil(run.State)
}

func (s *ClientTestSuite) TestCreateRunValidation() {
	ctx := context.Background()

	_, err := s.client.CreateRun(ctx, RunSpec{})
	s.Require().ErrorIs(err, ErrInvalidArgument)

	_, err = s.client.CreateRun(ctx, RunSpec{FlowID: "flow-1", State: &State{Type: "BOGUS"}})
	s.Require().ErrorIs(err, ErrInvalidArgument)
}

func (s *ClientTestSuite) TestCreateRunIdempotent() {
	ctx := context.Background()
	spec := RunSpec{FlowID: "flow-1", IdempotencyKey: "key-1", State: Scheduled()}

	first, err := s.client.CreateRun(ctx, spec)
	s.Require().NoError(err)

	second, err := s.client.CreateRun(ctx, spec)
	s.Require().NoError(err)
	s.Require().Equal(first.ID, second.ID, "same key must return the same run")
	s.Require().Equal(first.State.ID, second.State.ID)

	history, err := s.client.StateHistory(ctx, first.ID)
	s.Require().NoError(err)
	s.Require().Len(history, 1, "the initial state is assigned exactly once")
}

func (s *ClientTestSuite) TestCreateRunKeyScopedToFlow() {
	ctx := context.Background()

	a, err := s.client.CreateRun(ctx, RunSpec{FlowID: "flow-a", IdempotencyKey: "key-1"})
	s.Require().NoError(err)
	b, err := s.client.CreateRun(ctx, RunSpec{FlowID: "flow-b", IdempotencyKey: "key-1"})
	s.Require().NoError(err)
	s.Require().NotEqual(a.ID, b.ID)
}

func (s *ClientTestSuite) TestCreateRunConcurrentIdempotent() {
	ctx := context.Background()
	spec := RunSpec{FlowID: "flow-1", IdempotencyKey: "key-race", State: Scheduled()}

	const callers = 8
	runs := make([]*Run, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := s.client.CreateRun(ctx, spec)
			s.Require().NoError(err)
			runs[i] = run
		}(i)
	}
	wg.Wait()

	for _, run := range runs {
		s.Require().Equal(runs[0].ID, run.ID, "all callers converge on one run")
	}

	history, err := s.client.StateHistory(ctx, runs[0].ID)
	s.Require().NoError(err)
	s.Require().Len(history, 1, "exactly one caller assigns the initial state")
}

func (s *ClientTestSuite) TestSetStateDelegatesToEngine() {
	ctx := context.Background()
	run, err := s.client.CreateRun(ctx, RunSpec{FlowID: "flow-1", State: Scheduled()})
	s.Require().NoError(err)

	result, err := s.client.SetState(ctx, run.ID, Running(), false)
	s.Require().NoError(err)
	s.Require().Equal(StatusAccept, result.Status)
	s.Require().Equal(StateRunning, result.State.Type)
}

func (s *ClientTestSuite) TestAwaitStateRetriesWait() {
	ctx := context.Background()

	// Waits twice, then lets the transition through. The counter lives
	// outside the rule because each engine invocation compiles fresh
	// instances.
	var attempts int
	var mu sync.Mutex
	core := NewPolicy("core")
	core.Add(AnyType, StateRunning, func() Rule {
		return &countingWaitRule{attempts: &attempts, mu: &mu, waitFor: 2}
	})
	client := NewClient(s.store, WithCorePolicy(core))

	run, err := client.CreateRun(ctx, RunSpec{FlowID: "flow-1", State: Scheduled()})
	s.Require().NoError(err)

	result, err := client.AwaitState(ctx, run.ID, Running(), false)
	s.Require().NoError(err)
	s.Require().Equal(StatusAccept, result.Status)
	s.Require().Equal(3, attempts)
}

func (s *ClientTestSuite) TestAwaitStateHonorsContext() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	core := NewPolicy("core")
	core.Add(AnyType, AnyType, func() Rule {
		return &countingWaitRule{attempts: new(int), mu: &sync.Mutex{}, waitFor: 1 << 30}
	})
	client := NewClient(s.store, WithCorePolicy(core))

	run, err := client.CreateRun(context.Background(), RunSpec{FlowID: "flow-1"})
	s.Require().NoError(err)

	_, err = client.AwaitState(ctx, run.ID, Running(), false)
	s.Require().ErrorIs(err, context.DeadlineExceeded)
}

func (s *ClientTestSuite) TestUpdateRun() {
	ctx := context.Background()
	run, err := s.client.CreateRun(ctx, RunSpec{FlowID: "flow-1"})
	s.Require().NoError(err)

	name := "renamed"
	s.Require().NoError(s.client.UpdateRun(ctx, run.ID, RunUpdate{Name: &name}))

	fresh, err := s.client.GetRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Require().Equal("renamed", fresh.Name)

	s.Require().ErrorIs(s.client.UpdateRun(ctx, "no-such-run", RunUpdate{Name: &name}), ErrRunNotFound)
}

func (s *ClientTestSuite) TestListAndCountRuns() {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.client.CreateRun(ctx, RunSpec{FlowID: "flow-1", State: Scheduled()})
		s.Require().NoError(err)
	}
	_, err := s.client.CreateRun(ctx, RunSpec{FlowID: "flow-2"})
	s.Require().NoError(err)

	runs, err := s.client.ListRuns(ctx, RunFilter{FlowIDs: []string{"flow-1"}}, 0, 0, RunSortCreatedAsc)
	s.Require().NoError(err)
	s.Require().Len(runs, 3)

	count, err := s.client.CountRuns(ctx, RunFilter{FlowIDs: []string{"flow-1"}})
	s.Require().NoError(err)
	s.Require().Equal(3, count)
}

func (s *ClientTestSuite) TestDeleteRun() {
	ctx := context.Background()
	run, err := s.client.CreateRun(ctx, RunSpec{FlowID: "flow-1", State: Scheduled()})
	s.Require().NoError(err)

	deleted, err := s.client.DeleteRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Require().True(deleted)

	_, err = s.client.GetRun(ctx, run.ID)
	s.Require().ErrorIs(err, ErrRunNotFound)

	deleted, err = s.client.DeleteRun(ctx, run.ID)
	s.Require().NoError(err)
	s.Require().False(deleted)
}

// countingWaitRule answers WAIT for the first waitFor invocations, then
// stands aside.
type countingWaitRule struct {
	BaseRule
	attempts *int
	mu       *sync.Mutex
	waitFor  int
}

func (r *countingWaitRule) Name() string { return "counting-wait" }

func (r *countingWaitRule) Enter(ctx context.Context, octx *OrchestrationContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.attempts++
	if *r.attempts <= r.waitFor {
		octx.DelayTransition(time.Millisecond, "not yet")
	}
	return nil
}
