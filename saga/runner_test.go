package saga

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Test saga: account provisioning.
// Flow: reserve_name -> create_account -> assign_quota -> announce

type provisioningState struct {
	reserved  bool
	created   bool
	quota     int64
	announced bool
}

// trackingPhase records execution and compensation order on shared slices.
func trackingPhase(name PhaseName, execOrder, compOrder *[]PhaseName, execute ExecuteFunc, compensate CompensateFunc) Phase {
	return NewPhase(name,
		func(ctx context.Context, run *Run) (any, error) {
			output, err := execute(ctx, run)
			if err == nil {
				*execOrder = append(*execOrder, name)
			}
			return output, err
		},
		func(ctx context.Context, run *Run) error {
			err := compensate(ctx, run)
			if err == nil {
				*compOrder = append(*compOrder, name)
			}
			return err
		},
	)
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zap.NewNop().Sugar()
}

func buildProvisioningSaga(t *testing.T, state *provisioningState, execOrder, compOrder *[]PhaseName, failAt PhaseName, failCompensationAt PhaseName) (*Plan, *Registry) {
	t.Helper()

	maybeFail := func(name PhaseName, output any, apply func()) ExecuteFunc {
		return func(ctx context.Context, run *Run) (any, error) {
			if name == failAt {
				return nil, fmt.Errorf("%s exploded", name)
			}
			apply()
			return output, nil
		}
	}
	maybeFailUndo := func(name PhaseName, undo func()) CompensateFunc {
		return func(ctx context.Context, run *Run) error {
			if name == failCompensationAt {
				return fmt.Errorf("cannot undo %s", name)
			}
			undo()
			return nil
		}
	}

	phases := []Phase{
		trackingPhase("reserve_name", execOrder, compOrder,
			maybeFail("reserve_name", "acct-7", func() { state.reserved = true }),
			maybeFailUndo("reserve_name", func() { state.reserved = false })),
		trackingPhase("create_account", execOrder, compOrder,
			maybeFail("create_account", nil, func() { state.created = true }),
			maybeFailUndo("create_account", func() { state.created = false })),
		trackingPhase("assign_quota", execOrder, compOrder,
			maybeFail("assign_quota", int64(500), func() { state.quota = 500 }),
			maybeFailUndo("assign_quota", func() { state.quota = 0 })),
		trackingPhase("announce", execOrder, compOrder,
			maybeFail("announce", nil, func() { state.announced = true }),
			maybeFailUndo("announce", func() { state.announced = false })),
	}

	registry := NewRegistry()
	names := make([]PhaseName, 0, len(phases))
	for _, phase := range phases {
		require.NoError(t, registry.Register(phase))
		names = append(names, phase.Name())
	}

	plan, err := Sequence("provisioning", names...)
	require.NoError(t, err)
	return plan, registry
}

func TestRunnerExecutesInOrder(t *testing.T) {
	state := &provisioningState{}
	var execOrder, compOrder []PhaseName

	plan, registry := buildProvisioningSaga(t, state, &execOrder, &compOrder, "", "")
	journal := NewMemoryJournal()
	runner := NewRunner(plan, registry, journal, testLogger(t))

	run, err := runner.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []PhaseName{"reserve_name", "create_account", "assign_quota", "announce"}, execOrder)
	assert.Empty(t, compOrder, "a successful run must not compensate")

	assert.True(t, state.reserved)
	assert.True(t, state.created)
	assert.EqualValues(t, 500, state.quota)
	assert.True(t, state.announced)

	name, ok := Output[string](run, "reserve_name")
	require.True(t, ok)
	assert.Equal(t, "acct-7", name)

	quota, ok := Output[int64](run, "assign_quota")
	require.True(t, ok)
	assert.EqualValues(t, 500, quota)

	saved, err := journal.Load(context.Background(), runner.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, saved.Status)
	assert.Len(t, saved.Completed, 4)
}

func TestRunnerCompensatesInReverseOrder(t *testing.T) {
	state := &provisioningState{}
	var execOrder, compOrder []PhaseName

	plan, registry := buildProvisioningSaga(t, state, &execOrder, &compOrder, "announce", "")
	journal := NewMemoryJournal()
	runner := NewRunner(plan, registry, journal, testLogger(t))

	run, err := runner.Execute(context.Background())
	require.Error(t, err)

	var perr *PhaseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PhaseName("announce"), perr.Phase)
	assert.True(t, perr.Compensated, "every completed phase was undone")

	assert.Equal(t, []PhaseName{"reserve_name", "create_account", "assign_quota"}, execOrder)
	assert.Equal(t, []PhaseName{"assign_quota", "create_account", "reserve_name"}, compOrder)

	assert.False(t, state.reserved)
	assert.False(t, state.created)
	assert.Zero(t, state.quota)
	assert.False(t, state.announced)

	assert.Equal(t, PhaseName("announce"), run.CausePhase())
	assert.ErrorContains(t, run.Cause(), "announce exploded")

	saved, err := journal.Load(context.Background(), runner.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, saved.Status)
}

func TestRunnerFailedPhaseIsNotCompensated(t *testing.T) {
	state := &provisioningState{}
	var execOrder, compOrder []PhaseName

	// create_account fails before applying anything, so only reserve_name
	// may be compensated.
	plan, registry := buildProvisioningSaga(t, state, &execOrder, &compOrder, "create_account", "")
	runner := NewRunner(plan, registry, NewMemoryJournal(), testLogger(t))

	_, err := runner.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, []PhaseName{"reserve_name"}, execOrder)
	assert.Equal(t, []PhaseName{"reserve_name"}, compOrder)
	assert.NotContains(t, compOrder, PhaseName("create_account"))
}

func TestRunnerReportsCompensationFailure(t *testing.T) {
	state := &provisioningState{}
	var execOrder, compOrder []PhaseName

	plan, registry := buildProvisioningSaga(t, state, &execOrder, &compOrder, "announce", "create_account")
	journal := NewMemoryJournal()
	runner := NewRunner(plan, registry, journal, testLogger(t))

	_, err := runner.Execute(context.Background())
	require.Error(t, err)

	var cerr *CompensationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, PhaseName("create_account"), cerr.Phase)
	require.NotNil(t, cerr.Cause)
	assert.Equal(t, PhaseName("announce"), cerr.Cause.Phase)

	// The unwind stopped at the failed compensation; reserve_name was never
	// reached.
	assert.Equal(t, []PhaseName{"assign_quota"}, compOrder)
	assert.True(t, state.reserved)

	saved, err := journal.Load(context.Background(), runner.RunID())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, saved.Status)
}

func TestRegistryRejectsDuplicatePhase(t *testing.T) {
	registry := NewRegistry()
	phase := NewPhaseNoCompensate("only_once", func(ctx context.Context, run *Run) (any, error) {
		return nil, nil
	})

	require.NoError(t, registry.Register(phase))
	err := registry.Register(phase)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestPlanRejectsDuplicateAndUnknownPhases(t *testing.T) {
	plan := NewPlan("dupes")
	require.NoError(t, plan.Add("a"))

	err := plan.Add("a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	err = plan.DependsOn("a", "missing")
	require.Error(t, err)

	err = plan.DependsOn("a", "a")
	require.Error(t, err)
}

func TestPlanOrderDetectsCycle(t *testing.T) {
	plan := NewPlan("cyclic")
	require.NoError(t, plan.Add("a"))
	require.NoError(t, plan.Add("b"))
	require.NoError(t, plan.DependsOn("b", "a"))
	require.NoError(t, plan.DependsOn("a", "b"))

	_, err := plan.Order()
	require.Error(t, err)
}

func TestPlanOrderIsDeterministicForBranches(t *testing.T) {
	// Diamond: fetch -> {verify, price} -> commit. verify and price have no
	// mutual ordering; insertion order must break the tie the same way every
	// time.
	build := func() *Plan {
		plan := NewPlan("diamond")
		for _, name := range []PhaseName{"fetch", "verify", "price", "commit"} {
			require.NoError(t, plan.Add(name))
		}
		require.NoError(t, plan.DependsOn("verify", "fetch"))
		require.NoError(t, plan.DependsOn("price", "fetch"))
		require.NoError(t, plan.DependsOn("commit", "verify"))
		require.NoError(t, plan.DependsOn("commit", "price"))
		return plan
	}

	first, err := build().Order()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := build().Order()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, PhaseName("fetch"), first[0])
	assert.Equal(t, PhaseName("commit"), first[3])
}

func TestRunnerFailsWhenPhaseMissingFromRegistry(t *testing.T) {
	plan, err := Sequence("missing", "ghost")
	require.NoError(t, err)

	runner := NewRunner(plan, NewRegistry(), NewMemoryJournal(), testLogger(t))
	_, err = runner.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase not found")
}

func TestRunnerReturnsErrorWhenInitialJournalFails(t *testing.T) {
	plan, err := Sequence("journaled", "noop")
	require.NoError(t, err)

	registry := NewRegistry()
	require.NoError(t, registry.Register(NewPhaseNoCompensate("noop", func(ctx context.Context, run *Run) (any, error) {
		return nil, nil
	})))

	journal := NewMemoryJournal()
	journal.FailSave = true
	runner := NewRunner(plan, registry, journal, testLogger(t))

	_, err = runner.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal")
}

func TestOutputTypeMismatch(t *testing.T) {
	run := NewRun("run-1")
	run.record("step", "a string")

	_, ok := Output[int](run, "step")
	assert.False(t, ok)

	_, ok = Output[string](run, "absent")
	assert.False(t, ok)
}
