package core

import (
	"maps"
	"slices"
	"time"
)

// Topology names the edge layout derived from a team's member order.
type Topology string

const (
	// TopologyMesh connects every member with every other member.
	TopologyMesh Topology = "mesh"
	// TopologyRing connects each member to the next, wrapping around.
	TopologyRing Topology = "ring"
	// TopologyStar connects the first member to every other member.
	TopologyStar Topology = "star"
)

// Valid reports whether t is a known topology.
func (t Topology) Valid() bool {
	switch t {
	case TopologyMesh, TopologyRing, TopologyStar:
		return true
	default:
		return false
	}
}

// Edge is an undirected link between two member agent ids.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NetworkAggregate is the order-independent fold of a collective step.
type NetworkAggregate struct {
	Participants     int                `json:"participants"`
	Skipped          int                `json:"skipped"`
	Failed           int                `json:"failed"`
	MeanEntropy      float64            `json:"mean_entropy"`
	MinEntropy       float64            `json:"min_entropy"`
	MaxEntropy       float64            `json:"max_entropy"`
	ConsensusBelief  map[string]float64 `json:"consensus_belief,omitempty"`
	ConsensusAction  string             `json:"consensus_action,omitempty"`
	Agreement        float64            `json:"agreement"`
	MeanEpochAdvance float64            `json:"mean_epoch_advance"`
	At               time.Time          `json:"at"`
}

// NetworkState is the read-only topology and aggregate view of a team.
type NetworkState struct {
	Topology        Topology          `json:"topology"`
	Edges           []Edge            `json:"edges"`
	LastAggregate   *NetworkAggregate `json:"last_aggregate,omitempty"`
	CollectiveSteps uint64            `json:"collective_steps"`
}

// Team groups agent ids. Members is an ordered set: insertion order drives
// deterministic fan-out.
type Team struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Members   []string     `json:"members"`
	Network   NetworkState `json:"network"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Clone returns a deep copy.
func (t Team) Clone() Team {
	t.Members = slices.Clone(t.Members)
	t.Network.Edges = slices.Clone(t.Network.Edges)
	if t.Network.LastAggregate != nil {
		agg := *t.Network.LastAggregate
		agg.ConsensusBelief = maps.Clone(agg.ConsensusBelief)
		t.Network.LastAggregate = &agg
	}
	return t
}

// TeamSpec is the input to team creation.
type TeamSpec struct {
	Name     string   `json:"name"`
	Topology Topology `json:"topology,omitempty"`
	Members  []string `json:"members,omitempty"`
}

// TeamPatch carries a team update. Nil fields are left untouched.
type TeamPatch struct {
	Name     *string   `json:"name,omitempty"`
	Topology *Topology `json:"topology,omitempty"`
}
