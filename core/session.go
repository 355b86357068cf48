package core

import (
	"maps"
	"slices"
	"time"
)

// Session is the summon-scoped container of an agent's ephemeral state. It is
// created by the first successful layer summon and discarded on dismiss;
// persistent engine state (identity, memory phases, orientation, beacons)
// never lives here.
//
// Contract:
//   - Layers preserves activation order
//   - EntropyTrajectory holds one entry per step since summon
//   - Clone performs deep copies of maps/slices for safe divergence
//
// A Session is owned by its engine and guarded by the engine's lock; copies
// handed to callers come from Clone.
type Session struct {
	Layers            []string           `json:"layers"`
	Belief            map[string]float64 `json:"belief"`
	EntropyTrajectory []float64          `json:"entropy_trajectory"`
	Attention         map[string]float64 `json:"attention"`
	SummonedAt        time.Time          `json:"summoned_at"`
	EpochAtSummon     uint64             `json:"epoch_at_summon"`
}

// NewSession creates an empty session stamped with the summon time and epoch.
func NewSession(now time.Time, epoch uint64) *Session {
	return &Session{
		Layers:            []string{},
		Belief:            map[string]float64{},
		EntropyTrajectory: []float64{},
		Attention:         map[string]float64{},
		SummonedAt:        now,
		EpochAtSummon:     epoch,
	}
}

// HasLayer reports whether name is active.
func (s *Session) HasLayer(name string) bool {
	return slices.Contains(s.Layers, name)
}

// Steps returns the number of steps taken since summon.
func (s *Session) Steps() int { return len(s.EntropyTrajectory) }

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	return &Session{
		Layers:            slices.Clone(s.Layers),
		Belief:            maps.Clone(s.Belief),
		EntropyTrajectory: slices.Clone(s.EntropyTrajectory),
		Attention:         maps.Clone(s.Attention),
		SummonedAt:        s.SummonedAt,
		EpochAtSummon:     s.EpochAtSummon,
	}
}
