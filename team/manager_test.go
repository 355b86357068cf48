package team

import (
	"context"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/primemesh/agent"
	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/engine"
	"github.com/hupe1980/primemesh/internal/testutil"
	"github.com/hupe1980/primemesh/store"
)

func setup(t *testing.T, optFns ...func(o *Options)) (*Manager, *agent.Manager) {
	t.Helper()
	agents := agent.New(func(o *agent.Options) { o.Clock = testutil.FixedClock })
	optFns = append([]func(o *Options){func(o *Options) { o.Clock = testutil.FixedClock }}, optFns...)
	teams := New(agents, optFns...)
	agents.OnDelete(teams.RemoveFromAll)
	return teams, agents
}

func createAgent(t *testing.T, agents *agent.Manager, name string, primes ...uint64) string {
	t.Helper()
	a, err := agents.Create(context.Background(), testutil.NewAgentBuilder(name).Primes(primes...).Spec())
	require.NoError(t, err)
	return a.ID
}

func TestEdges(t *testing.T) {
	members := []string{"a", "b", "c", "d"}

	tests := []struct {
		name     string
		topology core.Topology
		members  []string
		want     []core.Edge
	}{
		{"mesh", core.TopologyMesh, members[:3], []core.Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "c"}}},
		{"ring", core.TopologyRing, members[:3], []core.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"}}},
		{"ring of two", core.TopologyRing, members[:2], []core.Edge{{From: "a", To: "b"}}},
		{"star", core.TopologyStar, members, []core.Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "a", To: "d"}}},
		{"single member", core.TopologyMesh, members[:1], []core.Edge{}},
		{"empty ring", core.TopologyRing, nil, []core.Edge{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Edges(tt.topology, tt.members))
		})
	}
}

func TestManager_Create(t *testing.T) {
	teams, agents := setup(t)
	ctx := context.Background()
	a := createAgent(t, agents, "a", 2, 3)
	b := createAgent(t, agents, "b", 5, 7)

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "duo", Members: []string{a, b, a}})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, tm.Members)
	assert.Equal(t, core.TopologyMesh, tm.Network.Topology)
	assert.Len(t, tm.Network.Edges, 1)
	assert.Equal(t, testutil.FixedTime, tm.CreatedAt)

	_, err = teams.Create(ctx, core.TeamSpec{Name: ""})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = teams.Create(ctx, core.TeamSpec{Name: "x", Topology: "tree"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = teams.Create(ctx, core.TeamSpec{Name: "x", Members: []string{"ghost"}})
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Len(t, teams.List(), 1)
}

func TestManager_Membership(t *testing.T) {
	teams, agents := setup(t)
	ctx := context.Background()
	a := createAgent(t, agents, "a", 2)
	b := createAgent(t, agents, "b", 3)
	c := createAgent(t, agents, "c", 5)

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "ring", Topology: core.TopologyRing, Members: []string{a, b}})
	require.NoError(t, err)

	tm, err = teams.AddAgent(ctx, tm.ID, c)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, c}, tm.Members)
	assert.Len(t, tm.Network.Edges, 3)

	again, err := teams.AddAgent(ctx, tm.ID, c)
	require.NoError(t, err)
	assert.Equal(t, tm.Members, again.Members)

	_, err = teams.AddAgent(ctx, tm.ID, "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)

	tm, err = teams.RemoveAgent(ctx, tm.ID, b)
	require.NoError(t, err)
	assert.Equal(t, []string{a, c}, tm.Members)
	assert.Equal(t, []core.Edge{{From: a, To: c}}, tm.Network.Edges)

	_, err = teams.RemoveAgent(ctx, tm.ID, b)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = teams.AddAgent(ctx, "missing", a)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

// deletingAgents starts deleting target the first time its existence is
// checked and reports it as present once the delete is under way.
type deletingAgents struct {
	*agent.Manager
	target string
	once   sync.Once
	done   chan struct{}
}

func (d *deletingAgents) Exists(id string) bool {
	ok := d.Manager.Exists(id)
	if !ok || id != d.target {
		return ok
	}
	d.once.Do(func() {
		go func() {
			defer close(d.done)
			_ = d.Manager.Delete(context.Background(), id)
		}()
		for d.Manager.Exists(id) {
			runtime.Gosched()
		}
	})
	return true
}

func TestManager_ConcurrentAgentDeleteLeavesNoMember(t *testing.T) {
	ctx := context.Background()

	newRacing := func(t *testing.T) (*Manager, *deletingAgents, string) {
		agents := agent.New(func(o *agent.Options) { o.Clock = testutil.FixedClock })
		target := createAgent(t, agents, "doomed", 2)
		racing := &deletingAgents{Manager: agents, target: target, done: make(chan struct{})}
		teams := New(racing, func(o *Options) { o.Clock = testutil.FixedClock })
		agents.OnDelete(teams.RemoveFromAll)
		return teams, racing, target
	}

	t.Run("add agent", func(t *testing.T) {
		teams, racing, target := newRacing(t)
		tm, err := teams.Create(ctx, core.TeamSpec{Name: "t"})
		require.NoError(t, err)

		_, _ = teams.AddAgent(ctx, tm.ID, target)
		<-racing.done

		got, err := teams.Get(tm.ID)
		require.NoError(t, err)
		assert.NotContains(t, got.Members, target)
		assert.False(t, racing.Manager.Exists(target))
	})

	t.Run("create", func(t *testing.T) {
		teams, racing, target := newRacing(t)

		tm, err := teams.Create(ctx, core.TeamSpec{Name: "t", Members: []string{target}})
		<-racing.done

		if err == nil {
			got, getErr := teams.Get(tm.ID)
			require.NoError(t, getErr)
			assert.NotContains(t, got.Members, target)
		} else {
			assert.ErrorIs(t, err, core.ErrNotFound)
		}
	})
}

func TestManager_UpdateAndDelete(t *testing.T) {
	teams, agents := setup(t)
	ctx := context.Background()
	a := createAgent(t, agents, "a", 2)
	b := createAgent(t, agents, "b", 3)
	c := createAgent(t, agents, "c", 5)

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "t", Members: []string{a, b, c}})
	require.NoError(t, err)

	name := "renamed"
	star := core.TopologyStar
	tm, err = teams.Update(ctx, tm.ID, core.TeamPatch{Name: &name, Topology: &star})
	require.NoError(t, err)
	assert.Equal(t, "renamed", tm.Name)
	assert.Equal(t, []core.Edge{{From: a, To: b}, {From: a, To: c}}, tm.Network.Edges)

	bad := core.Topology("tree")
	_, err = teams.Update(ctx, tm.ID, core.TeamPatch{Topology: &bad})
	assert.ErrorIs(t, err, core.ErrValidation)

	require.NoError(t, teams.Delete(ctx, tm.ID))
	_, err = teams.Get(tm.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, teams.Delete(ctx, tm.ID), core.ErrNotFound)

	assert.True(t, agents.Exists(a))
}

func TestManager_AgentDeleteCascades(t *testing.T) {
	teams, agents := setup(t)
	ctx := context.Background()
	a := createAgent(t, agents, "a", 2)
	b := createAgent(t, agents, "b", 3)

	t1, err := teams.Create(ctx, core.TeamSpec{Name: "one", Members: []string{a, b}})
	require.NoError(t, err)
	t2, err := teams.Create(ctx, core.TeamSpec{Name: "two", Members: []string{b}})
	require.NoError(t, err)

	require.NoError(t, agents.Delete(ctx, b))

	got1, err := teams.Get(t1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, got1.Members)
	assert.Empty(t, got1.Network.Edges)

	got2, err := teams.Get(t2.ID)
	require.NoError(t, err)
	assert.Empty(t, got2.Members)
}

func TestManager_CollectiveStepIndependentMembers(t *testing.T) {
	teams, agents := setup(t)
	ctx := context.Background()
	a := createAgent(t, agents, "a", 2, 3, 5)
	b := createAgent(t, agents, "b", 7, 11, 13)

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "pair", Members: []string{a, b}})
	require.NoError(t, err)

	report, err := teams.SummonTeam(ctx, tm.ID, SummonOptions{Layers: []string{"perception"}})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded)
	assert.Zero(t, report.Failed)

	res, err := teams.CollectiveStep(ctx, tm.ID, testutil.Obs("shared signal"), nil, StepOptions{})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, []string{a, b}, res.Order)

	for _, id := range []string{a, b} {
		mr, ok := res.Results[id]
		require.True(t, ok)
		assert.Equal(t, MemberSucceeded, mr.Status)
		require.NotNil(t, mr.Result)
		assert.Equal(t, id, mr.Result.AgentID)
		assert.Equal(t, uint64(1), mr.Result.Epoch)
		assert.Equal(t, uint64(1), mr.EpochDelta)
	}
	assert.Equal(t, 2, res.Aggregate.Participants)
	assert.Equal(t, 1.0, res.Aggregate.MeanEpochAdvance)
	assert.NotEmpty(t, res.Aggregate.ConsensusAction)

	// A second direct step on one member does not move the other.
	_, err = agents.Step(ctx, a, testutil.Obs("solo"), nil)
	require.NoError(t, err)
	sa, err := agents.GetState(a)
	require.NoError(t, err)
	sb, err := agents.GetState(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sa.Epoch)
	assert.Equal(t, uint64(1), sb.Epoch)

	network, err := teams.GetNetwork(tm.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), network.CollectiveSteps)
	require.NotNil(t, network.LastAggregate)
	assert.Equal(t, res.Aggregate.ConsensusAction, network.LastAggregate.ConsensusAction)
}

func TestManager_CollectiveStepFollowsMemberOrder(t *testing.T) {
	ctx := context.Background()

	var stepped []string
	cbs := engine.NewCallbackManager()
	cbs.RegisterCallback(engine.NewFunctionCallback(engine.CallbackAfterStep, func(_ context.Context, c *engine.CallbackContext) error {
		stepped = append(stepped, c.AgentID)
		return nil
	}))

	agents := agent.New(func(o *agent.Options) {
		o.Clock = testutil.FixedClock
		o.Callbacks = cbs
	})
	teams := New(agents, func(o *Options) { o.Clock = testutil.FixedClock })

	a := createAgent(t, agents, "a", 2)
	b := createAgent(t, agents, "b", 3)
	c := createAgent(t, agents, "c", 5)
	order := []string{c, a, b}

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "ordered", Members: order})
	require.NoError(t, err)
	_, err = teams.SummonTeam(ctx, tm.ID, SummonOptions{Layers: []string{"perception"}})
	require.NoError(t, err)

	var want []string
	for i := 0; i < 5; i++ {
		_, err := teams.CollectiveStep(ctx, tm.ID, testutil.Obs("tick"), nil, StepOptions{})
		require.NoError(t, err)
		want = append(want, order...)
	}
	assert.Equal(t, want, stepped)
}

func TestManager_CollectiveStepSkipsUnsummoned(t *testing.T) {
	teams, agents := setup(t)
	ctx := context.Background()
	a := createAgent(t, agents, "a", 2)
	b := createAgent(t, agents, "b", 3)

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "pair", Members: []string{a, b}})
	require.NoError(t, err)
	_, err = agents.Summon(a, "perception")
	require.NoError(t, err)

	res, err := teams.CollectiveStep(ctx, tm.ID, testutil.Obs("ping"), nil, StepOptions{})
	require.NoError(t, err)
	assert.Equal(t, MemberSucceeded, res.Results[a].Status)
	assert.Equal(t, MemberSkipped, res.Results[b].Status)
	assert.Equal(t, ReasonNotSummoned, res.Results[b].Reason)
	assert.Equal(t, 1, res.Aggregate.Participants)
	assert.Equal(t, 1, res.Aggregate.Skipped)
	assert.Equal(t, 1.0, res.Aggregate.Agreement)

	_, err = teams.CollectiveStep(ctx, tm.ID, testutil.Obs("  "), nil, StepOptions{})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = teams.CollectiveStep(ctx, "missing", testutil.Obs("ping"), nil, StepOptions{})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestManager_CollectiveStepRoundRobin(t *testing.T) {
	teams, agents := setup(t)
	ctx := context.Background()
	a := createAgent(t, agents, "a", 2)
	b := createAgent(t, agents, "b", 3)

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "pair", Members: []string{a, b}})
	require.NoError(t, err)
	_, err = teams.SummonTeam(ctx, tm.ID, SummonOptions{Layers: []string{"perception"}})
	require.NoError(t, err)

	res, err := teams.CollectiveStep(ctx, tm.ID, testutil.Obs("split"), []string{"observe", "explore", "rest"}, StepOptions{Partition: RoundRobin})
	require.NoError(t, err)
	assert.Equal(t, []string{"observe", "rest"}, res.Results[a].Actions)
	assert.Equal(t, []string{"explore"}, res.Results[b].Actions)
	assert.Equal(t, "explore", res.Results[b].Result.ChosenAction)
	assert.Contains(t, []string{"observe", "rest"}, res.Results[a].Result.ChosenAction)

	_, err = teams.CollectiveStep(ctx, tm.ID, testutil.Obs("split"), nil, StepOptions{Partition: "random"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestManager_SummonTeamAllOrNothing(t *testing.T) {
	teams, agents := setup(t)
	ctx := context.Background()
	a := createAgent(t, agents, "a", 2)
	b := createAgent(t, agents, "b", 3)
	c := createAgent(t, agents, "c", 5)

	// b already holds memory so it can take reasoning after attention; a and
	// c cannot because memory is missing.
	_, err := agents.Summon(b, "perception")
	require.NoError(t, err)
	_, err = agents.Summon(b, "memory")
	require.NoError(t, err)

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "trio", Members: []string{b, a, c}})
	require.NoError(t, err)

	report, err := teams.SummonTeam(ctx, tm.ID, SummonOptions{
		Layers:       []string{"perception", "attention", "reasoning"},
		AllOrNothing: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnmetDependency)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{a}, report.RolledBack)

	summonedA, err := agents.IsSummoned(a)
	require.NoError(t, err)
	assert.False(t, summonedA)

	summonedB, err := agents.IsSummoned(b)
	require.NoError(t, err)
	assert.True(t, summonedB)

	summonedC, err := agents.IsSummoned(c)
	require.NoError(t, err)
	assert.False(t, summonedC)

	// Partial mode keeps what succeeded.
	report, err = teams.SummonTeam(ctx, tm.ID, SummonOptions{Layers: []string{"perception", "attention", "reasoning"}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Failed)

	summonedA, err = agents.IsSummoned(a)
	require.NoError(t, err)
	assert.True(t, summonedA)

	_, err = teams.SummonTeam(ctx, tm.ID, SummonOptions{})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestManager_DismissTeam(t *testing.T) {
	teams, agents := setup(t)
	ctx := context.Background()
	a := createAgent(t, agents, "a", 2)
	b := createAgent(t, agents, "b", 3)

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "pair", Members: []string{a, b}})
	require.NoError(t, err)
	_, err = agents.Summon(a, "perception")
	require.NoError(t, err)

	report, err := teams.DismissTeam(ctx, tm.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Zero(t, report.Failed)
	require.Len(t, report.Members, 2)
	assert.Equal(t, MemberSkipped, report.Members[1].Status)

	_, err = teams.DismissTeam(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestAggregate(t *testing.T) {
	results := map[string]MemberResult{
		"b": {AgentID: "b", Status: MemberSucceeded, EpochDelta: 1, Result: &core.StepResult{
			ChosenAction: "explore", Entropy: 0.4, NewBelief: map[string]float64{"explore": 0.8, "rest": 0.2},
		}},
		"a": {AgentID: "a", Status: MemberSucceeded, EpochDelta: 1, Result: &core.StepResult{
			ChosenAction: "rest", Entropy: 0.6, NewBelief: map[string]float64{"explore": 0.4, "rest": 0.6},
		}},
		"c": {AgentID: "c", Status: MemberSkipped, Reason: ReasonNotSummoned},
		"d": {AgentID: "d", Status: MemberFailed, Error: "boom"},
	}

	agg := Aggregate(results)
	assert.Equal(t, 2, agg.Participants)
	assert.Equal(t, 1, agg.Skipped)
	assert.Equal(t, 1, agg.Failed)
	assert.InDelta(t, 0.5, agg.MeanEntropy, 1e-12)
	assert.InDelta(t, 0.4, agg.MinEntropy, 1e-12)
	assert.InDelta(t, 0.6, agg.MaxEntropy, 1e-12)
	assert.InDelta(t, 0.6, agg.ConsensusBelief["explore"], 1e-12)
	assert.InDelta(t, 0.4, agg.ConsensusBelief["rest"], 1e-12)
	assert.Equal(t, "explore", agg.ConsensusAction)
	assert.InDelta(t, 0.5, agg.Agreement, 1e-12)
	assert.InDelta(t, 1.0, agg.MeanEpochAdvance, 1e-12)

	tie := Aggregate(map[string]MemberResult{
		"x": {Status: MemberSucceeded, Result: &core.StepResult{ChosenAction: "rest", NewBelief: map[string]float64{"rest": 0.5, "explore": 0.5}}},
	})
	assert.Equal(t, "explore", tie.ConsensusAction)
	assert.Zero(t, tie.Agreement)

	empty := Aggregate(nil)
	assert.Zero(t, empty.Participants)
	assert.Nil(t, empty.ConsensusBelief)
}

func TestManager_PersistAndLoad(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()

	agents := agent.New(func(o *agent.Options) { o.Store = st; o.Clock = testutil.FixedClock })
	teams := New(agents, func(o *Options) { o.Store = st })
	a := createAgent(t, agents, "a", 2)
	b := createAgent(t, agents, "b", 3)

	tm, err := teams.Create(ctx, core.TeamSpec{Name: "pair", Topology: core.TopologyRing, Members: []string{a, b}})
	require.NoError(t, err)
	_, err = teams.SummonTeam(ctx, tm.ID, SummonOptions{Layers: []string{"perception"}})
	require.NoError(t, err)
	_, err = teams.CollectiveStep(ctx, tm.ID, testutil.Obs("persist me"), nil, StepOptions{})
	require.NoError(t, err)

	// b disappears from the agent store before the restart.
	require.NoError(t, st.DeleteAgent(b))

	agents2 := agent.New(func(o *agent.Options) { o.Store = st })
	_, err = agents2.Load(ctx)
	require.NoError(t, err)
	teams2 := New(agents2, func(o *Options) { o.Store = st })
	n, err := teams2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := teams2.Get(tm.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, got.Members)
	assert.Equal(t, core.TopologyRing, got.Network.Topology)
	assert.Equal(t, uint64(1), got.Network.CollectiveSteps)
	require.NotNil(t, got.Network.LastAggregate)
	assert.Equal(t, 2, got.Network.LastAggregate.Participants)
}
