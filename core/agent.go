package core

import (
	"maps"
	"slices"
	"time"
)

// PerceptionConfig tunes percept encoding for an agent.
type PerceptionConfig struct {
	// Dimension of the encoded percept vector. 0 selects the encoder default.
	Dimension int `json:"dimension,omitempty" yaml:"dimension,omitempty"`
	// MaxTokens caps how many tokens of an observation are encoded. 0 means no cap.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// CollapseDynamics shapes how beliefs collapse onto an action.
type CollapseDynamics struct {
	// Temperature of the softmax over action scores. 0 selects 1.0.
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	// Decay weights the previous belief when the deliberate capability is active.
	Decay float64 `json:"decay,omitempty" yaml:"decay,omitempty"`
}

// Agent is the record owned by the agent manager. BodyPrimes is immutable
// after creation; the behavioral parameters may be updated.
type Agent struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	BodyPrimes        []uint64           `json:"body_primes"`
	PerceptionConfig  PerceptionConfig   `json:"perception_config"`
	GoalPriors        map[string]float64 `json:"goal_priors,omitempty"`
	AttractorBiases   map[string]float64 `json:"attractor_biases,omitempty"`
	CollapseDynamics  CollapseDynamics   `json:"collapse_dynamics"`
	SafetyConstraints []string           `json:"safety_constraints,omitempty"`
	Template          string             `json:"template,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Clone returns a deep copy safe for independent mutation.
func (a Agent) Clone() Agent {
	a.BodyPrimes = slices.Clone(a.BodyPrimes)
	a.GoalPriors = maps.Clone(a.GoalPriors)
	a.AttractorBiases = maps.Clone(a.AttractorBiases)
	a.SafetyConstraints = slices.Clone(a.SafetyConstraints)
	return a
}

// Forbids reports whether the safety constraints rule out action.
func (a Agent) Forbids(action string) bool {
	return slices.Contains(a.SafetyConstraints, action)
}

// AgentSpec is the input to agent creation.
type AgentSpec struct {
	Name              string             `json:"name"`
	BodyPrimes        []uint64           `json:"body_primes"`
	PerceptionConfig  PerceptionConfig   `json:"perception_config"`
	GoalPriors        map[string]float64 `json:"goal_priors,omitempty"`
	AttractorBiases   map[string]float64 `json:"attractor_biases,omitempty"`
	CollapseDynamics  CollapseDynamics   `json:"collapse_dynamics"`
	SafetyConstraints []string           `json:"safety_constraints,omitempty"`
}

// AgentPatch carries an update. Nil fields are left untouched. BodyPrimes is
// present only so attempts to change identity can be detected and rejected.
type AgentPatch struct {
	Name              *string            `json:"name,omitempty"`
	BodyPrimes        []uint64           `json:"body_primes,omitempty"`
	PerceptionConfig  *PerceptionConfig  `json:"perception_config,omitempty"`
	GoalPriors        map[string]float64 `json:"goal_priors,omitempty"`
	AttractorBiases   map[string]float64 `json:"attractor_biases,omitempty"`
	CollapseDynamics  *CollapseDynamics  `json:"collapse_dynamics,omitempty"`
	SafetyConstraints *[]string          `json:"safety_constraints,omitempty"`
}

// AgentFilter narrows Manager.List. Name is a case-insensitive substring;
// BodyPrimes matches agents whose fingerprint shares at least one prime.
type AgentFilter struct {
	Name       string   `json:"name,omitempty"`
	BodyPrimes []uint64 `json:"body_primes,omitempty"`
}
