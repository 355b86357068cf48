package testutil

import (
	"maps"
	"slices"
	"time"

	"github.com/hupe1980/primemesh/core"
)

// AgentBuilder provides a fluent helper for constructing agents in tests.
// Example:
//
//	a := NewAgentBuilder("scout").Primes(2, 3, 5).Prior("explore", 1).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type AgentBuilder struct {
	agent core.Agent
}

// NewAgentBuilder creates a builder with id "agent-<name>" and primes [2,3,5].
func NewAgentBuilder(name string) *AgentBuilder {
	return &AgentBuilder{agent: core.Agent{
		ID:         "agent-" + name,
		Name:       name,
		BodyPrimes: []uint64{2, 3, 5},
		CreatedAt:  FixedTime,
		UpdatedAt:  FixedTime,
	}}
}

// ID overrides the agent id (chainable).
func (b *AgentBuilder) ID(id string) *AgentBuilder { b.agent.ID = id; return b }

// Primes sets the body primes (chainable).
func (b *AgentBuilder) Primes(p ...uint64) *AgentBuilder { b.agent.BodyPrimes = p; return b }

// Prior sets a goal prior (chainable).
func (b *AgentBuilder) Prior(action string, v float64) *AgentBuilder {
	if b.agent.GoalPriors == nil {
		b.agent.GoalPriors = map[string]float64{}
	}
	b.agent.GoalPriors[action] = v
	return b
}

// Bias sets an attractor bias (chainable).
func (b *AgentBuilder) Bias(action string, v float64) *AgentBuilder {
	if b.agent.AttractorBiases == nil {
		b.agent.AttractorBiases = map[string]float64{}
	}
	b.agent.AttractorBiases[action] = v
	return b
}

// Forbid adds safety constraints (chainable).
func (b *AgentBuilder) Forbid(actions ...string) *AgentBuilder {
	b.agent.SafetyConstraints = append(b.agent.SafetyConstraints, actions...)
	return b
}

// Dynamics sets temperature and decay (chainable).
func (b *AgentBuilder) Dynamics(temperature, decay float64) *AgentBuilder {
	b.agent.CollapseDynamics = core.CollapseDynamics{Temperature: temperature, Decay: decay}
	return b
}

// Perception sets the perception config (chainable).
func (b *AgentBuilder) Perception(dim, maxTokens int) *AgentBuilder {
	b.agent.PerceptionConfig = core.PerceptionConfig{Dimension: dim, MaxTokens: maxTokens}
	return b
}

// Build returns a deep copy of the configured agent.
func (b *AgentBuilder) Build() core.Agent { return b.agent.Clone() }

// Spec returns the agent as a creation spec.
func (b *AgentBuilder) Spec() core.AgentSpec {
	a := b.agent
	return core.AgentSpec{
		Name:              a.Name,
		BodyPrimes:        slices.Clone(a.BodyPrimes),
		PerceptionConfig:  a.PerceptionConfig,
		GoalPriors:        maps.Clone(a.GoalPriors),
		AttractorBiases:   maps.Clone(a.AttractorBiases),
		CollapseDynamics:  a.CollapseDynamics,
		SafetyConstraints: slices.Clone(a.SafetyConstraints),
	}
}

// Obs builds an observation from text.
func Obs(text string) core.Observation { return core.Observation{Text: text} }

// FixedTime is the instant returned by FixedClock.
var FixedTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// FixedClock always returns FixedTime.
func FixedClock() time.Time { return FixedTime }
