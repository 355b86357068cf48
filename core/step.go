package core

import (
	"maps"
	"slices"
	"time"
)

// Observation is the input of a single step.
type Observation struct {
	Text     string             `json:"text"`
	Features map[string]float64 `json:"features,omitempty"`
}

// StepResult is the output of a single step.
type StepResult struct {
	AgentID      string             `json:"agent_id"`
	ChosenAction string             `json:"chosen_action"`
	NewBelief    map[string]float64 `json:"new_belief"`
	Entropy      float64            `json:"entropy"`
	Quaternion   Quaternion         `json:"quaternion"`
	Epoch        uint64             `json:"epoch"`
	PrimesUsed   []uint64           `json:"primes_used,omitempty"`
	At           time.Time          `json:"at"`
}

// Clone returns a deep copy.
func (r StepResult) Clone() StepResult {
	r.NewBelief = maps.Clone(r.NewBelief)
	r.PrimesUsed = slices.Clone(r.PrimesUsed)
	return r
}

// Beacon is an immutable discovery fingerprint derived from engine state.
type Beacon struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	BodyHash    string     `json:"body_hash"`
	Fingerprint string     `json:"fingerprint"`
	Quaternion  Quaternion `json:"quaternion"`
	Epoch       uint64     `json:"epoch"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SnapshotVersion is the current Snapshot format version.
const SnapshotVersion = 1

// Snapshot is the persistent, session-independent state of an engine:
// identity, memory phases, orientation/epoch and beacon history. Belief,
// entropy trajectory and attention are summon-scoped and never included.
type Snapshot struct {
	Version      int                 `json:"version"`
	BodyPrimes   []uint64            `json:"body_primes"`
	MemoryPhases map[uint64][]float64 `json:"memory_phases"`
	Quaternion   Quaternion          `json:"quaternion"`
	Epoch        uint64              `json:"epoch"`
	Beacons      []Beacon            `json:"beacons,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	s.BodyPrimes = slices.Clone(s.BodyPrimes)
	phases := make(map[uint64][]float64, len(s.MemoryPhases))
	for p, v := range s.MemoryPhases {
		phases[p] = slices.Clone(v)
	}
	s.MemoryPhases = phases
	s.Beacons = slices.Clone(s.Beacons)
	return s
}
