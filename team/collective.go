package team

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/hupe1980/primemesh/core"
)

// Partition decides which candidate actions each member receives.
type Partition string

const (
	// Broadcast gives every member the full action list.
	Broadcast Partition = "broadcast"
	// RoundRobin gives action i to the (i mod k)-th summoned member. A member
	// left without actions falls back to the catalog defaults.
	RoundRobin Partition = "round_robin"
)

// MemberStatus is the outcome of one member in a team operation.
type MemberStatus string

const (
	MemberSucceeded MemberStatus = "succeeded"
	MemberSkipped   MemberStatus = "skipped"
	MemberFailed    MemberStatus = "failed"
)

// ReasonNotSummoned marks a member skipped by a collective step.
const ReasonNotSummoned = "notSummoned"

// SummonOptions configures SummonTeam.
type SummonOptions struct {
	// Layers to summon on every member, in order.
	Layers []string
	// AllOrNothing rolls back members summoned by this call when any member
	// fails.
	AllOrNothing bool
}

// MemberReport is one member's outcome in a summon or dismiss.
type MemberReport struct {
	AgentID         string       `json:"agent_id"`
	Status          MemberStatus `json:"status"`
	ActivatedLayers []string     `json:"activated_layers,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Report summarizes a team-wide summon or dismiss.
type Report struct {
	TeamID     string         `json:"team_id"`
	Members    []MemberReport `json:"members"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	RolledBack []string       `json:"rolled_back,omitempty"`
}

func (r *Report) add(mr MemberReport) {
	r.Members = append(r.Members, mr)
	switch mr.Status {
	case MemberSucceeded:
		r.Succeeded++
	case MemberFailed:
		r.Failed++
	}
}

// StepOptions configures CollectiveStep.
type StepOptions struct {
	Partition Partition
}

// MemberResult is one member's outcome in a collective step.
type MemberResult struct {
	AgentID    string           `json:"agent_id"`
	Status     MemberStatus     `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Actions    []string         `json:"actions,omitempty"`
	Result     *core.StepResult `json:"result,omitempty"`
	EpochDelta uint64           `json:"epoch_delta,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// CollectiveResult is the outcome of a collective step. Results is keyed by
// agent id; Order lists member ids in team order.
type CollectiveResult struct {
	TeamID    string                  `json:"team_id"`
	Results   map[string]MemberResult `json:"results"`
	Order     []string                `json:"order"`
	Aggregate core.NetworkAggregate   `json:"aggregate"`
}

// SummonTeam summons opts.Layers on every member in team order. By default it
// reports partial success. With AllOrNothing, a failure dismisses the members
// this call summoned and returns the first member error with the report.
func (m *Manager) SummonTeam(_ context.Context, id string, opts SummonOptions) (Report, error) {
	const op = "team.SummonTeam"

	if len(opts.Layers) == 0 {
		return Report{}, core.NewValidationError(op, "layers", "must not be empty")
	}
	t, err := m.Get(id)
	if err != nil {
		return Report{}, err
	}

	report := Report{TeamID: id}
	var newlySummoned []string
	var firstErr error

	for _, agentID := range t.Members {
		wasSummoned, err := m.agents.IsSummoned(agentID)
		mr := MemberReport{AgentID: agentID, Status: MemberSucceeded}
		if err == nil {
			for _, layer := range opts.Layers {
				res, serr := m.agents.Summon(agentID, layer)
				if serr != nil {
					err = serr
					break
				}
				mr.ActivatedLayers = res.ActivatedLayers
			}
		}
		if err != nil {
			mr.Status = MemberFailed
			mr.Error = err.Error()
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: member %s: %w", op, agentID, err)
			}
		}
		if !wasSummoned {
			if ok, _ := m.agents.IsSummoned(agentID); ok {
				newlySummoned = append(newlySummoned, agentID)
			}
		}
		report.add(mr)

		if firstErr != nil && opts.AllOrNothing {
			break
		}
	}

	if firstErr != nil && opts.AllOrNothing {
		for _, agentID := range newlySummoned {
			if err := m.agents.Dismiss(agentID); err != nil {
				m.logger.Warn("Rollback dismiss failed", "team_id", id, "agent_id", agentID, "error", err.Error())
				continue
			}
			report.RolledBack = append(report.RolledBack, agentID)
		}
		return report, firstErr
	}

	return report, nil
}

// DismissTeam dismisses every summoned member. Members without a session are
// reported as skipped. It never fails on member errors.
func (m *Manager) DismissTeam(_ context.Context, id string) (Report, error) {
	t, err := m.Get(id)
	if err != nil {
		return Report{}, err
	}

	report := Report{TeamID: id}
	for _, agentID := range t.Members {
		err := m.agents.Dismiss(agentID)
		switch {
		case err == nil:
			report.add(MemberReport{AgentID: agentID, Status: MemberSucceeded})
		case errors.Is(err, core.ErrNotSummoned):
			report.add(MemberReport{AgentID: agentID, Status: MemberSkipped, Error: err.Error()})
		default:
			report.add(MemberReport{AgentID: agentID, Status: MemberFailed, Error: err.Error()})
		}
	}
	return report, nil
}

// CollectiveStep steps every summoned member with the same observation and
// folds the outcomes into a network aggregate stored on the team. Members
// step one at a time in membership order.
func (m *Manager) CollectiveStep(ctx context.Context, id string, obs core.Observation, actions []string, opts StepOptions) (CollectiveResult, error) {
	const op = "team.CollectiveStep"

	t, err := m.Get(id)
	if err != nil {
		return CollectiveResult{}, err
	}
	if strings.TrimSpace(obs.Text) == "" {
		return CollectiveResult{}, core.NewValidationError(op, "observation.text", "must not be empty")
	}
	partition := opts.Partition
	if partition == "" {
		partition = Broadcast
	}
	if partition != Broadcast && partition != RoundRobin {
		return CollectiveResult{}, core.NewValidationError(op, "partition", fmt.Sprintf("unknown partition %q", partition))
	}

	results := make(map[string]MemberResult, len(t.Members))
	var active []string
	for _, agentID := range t.Members {
		summoned, err := m.agents.IsSummoned(agentID)
		switch {
		case err != nil:
			results[agentID] = MemberResult{AgentID: agentID, Status: MemberFailed, Error: err.Error()}
		case !summoned:
			results[agentID] = MemberResult{AgentID: agentID, Status: MemberSkipped, Reason: ReasonNotSummoned}
		default:
			active = append(active, agentID)
		}
	}

	assigned := partitionActions(partition, active, actions)

	for _, agentID := range active {
		results[agentID] = m.stepMember(ctx, agentID, obs, assigned[agentID])
	}

	agg := Aggregate(results)
	agg.At = m.now()

	updated, err := m.mutate(op, id, func(t *core.Team) error {
		a := agg
		t.Network.LastAggregate = &a
		t.Network.CollectiveSteps++
		return nil
	})
	if err != nil {
		// The member steps already happened; report them regardless.
		m.logger.Error("Failed to record collective step", "team_id", id, "error", err.Error())
	} else {
		agg = *updated.Network.LastAggregate
	}

	return CollectiveResult{
		TeamID:    id,
		Results:   results,
		Order:     slices.Clone(t.Members),
		Aggregate: agg,
	}, nil
}

func (m *Manager) stepMember(ctx context.Context, agentID string, obs core.Observation, actions []string) MemberResult {
	mr := MemberResult{AgentID: agentID, Actions: actions}

	before, err := m.agents.GetState(agentID)
	if err != nil {
		mr.Status, mr.Error = MemberFailed, err.Error()
		return mr
	}

	res, err := m.agents.Step(ctx, agentID, obs, actions)
	if err != nil {
		mr.Status, mr.Error = MemberFailed, err.Error()
		if errors.Is(err, core.ErrNotSummoned) {
			mr.Status, mr.Reason, mr.Error = MemberSkipped, ReasonNotSummoned, ""
		}
		return mr
	}

	mr.Status = MemberSucceeded
	mr.Result = &res
	mr.EpochDelta = res.Epoch - before.Epoch
	return mr
}

// partitionActions assigns candidate actions to active members.
func partitionActions(p Partition, active, actions []string) map[string][]string {
	out := make(map[string][]string, len(active))
	if len(active) == 0 {
		return out
	}
	if p == Broadcast || len(actions) == 0 {
		for _, id := range active {
			out[id] = slices.Clone(actions)
		}
		return out
	}
	for i, a := range actions {
		id := active[i%len(active)]
		out[id] = append(out[id], a)
	}
	return out
}

// Aggregate folds member results into a network aggregate. Results are
// visited in agent id order so the fold is independent of completion order.
func Aggregate(results map[string]MemberResult) core.NetworkAggregate {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	agg := core.NetworkAggregate{ConsensusBelief: map[string]float64{}}
	var entropySum, epochSum float64
	votes := map[string]int{}

	for _, id := range ids {
		r := results[id]
		switch r.Status {
		case MemberSkipped:
			agg.Skipped++
			continue
		case MemberFailed:
			agg.Failed++
			continue
		}
		if r.Result == nil {
			continue
		}

		e := r.Result.Entropy
		if agg.Participants == 0 {
			agg.MinEntropy, agg.MaxEntropy = e, e
		} else {
			agg.MinEntropy = math.Min(agg.MinEntropy, e)
			agg.MaxEntropy = math.Max(agg.MaxEntropy, e)
		}
		agg.Participants++
		entropySum += e
		epochSum += float64(r.EpochDelta)
		votes[r.Result.ChosenAction]++

		for action, p := range r.Result.NewBelief {
			agg.ConsensusBelief[action] += p
		}
	}

	if agg.Participants == 0 {
		agg.ConsensusBelief = nil
		return agg
	}

	n := float64(agg.Participants)
	agg.MeanEntropy = entropySum / n
	agg.MeanEpochAdvance = epochSum / n

	actions := make([]string, 0, len(agg.ConsensusBelief))
	for action := range agg.ConsensusBelief {
		agg.ConsensusBelief[action] /= n
		actions = append(actions, action)
	}
	slices.Sort(actions)

	best := math.Inf(-1)
	for _, action := range actions {
		if p := agg.ConsensusBelief[action]; p > best {
			agg.ConsensusAction, best = action, p
		}
	}
	agg.Agreement = float64(votes[agg.ConsensusAction]) / n

	return agg
}
