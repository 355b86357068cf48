package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/hupe1980/primemesh/core"
	"github.com/hupe1980/primemesh/resonance"
)

// Snapshot captures the persistent engine state. The session is excluded.
func (e *Engine) Snapshot() core.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	return core.Snapshot{
		Version:      core.SnapshotVersion,
		BodyPrimes:   slices.Clone(e.bodyPrimes),
		MemoryPhases: e.memoryPhases,
		Quaternion:   e.quaternion,
		Epoch:        e.epoch,
		Beacons:      e.beacons,
	}.Clone()
}

// Serialize encodes the snapshot as JSON.
func (e *Engine) Serialize() ([]byte, error) {
	data, err := json.Marshal(e.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize engine: %w", err)
	}
	return data, nil
}

// Restore rebuilds an engine for agent from a snapshot. The restored engine
// is not summoned. The snapshot must belong to the same body.
func Restore(agent core.Agent, snap core.Snapshot, optFns ...func(o *Options)) (*Engine, error) {
	const op = "engine.Restore"

	if snap.Version != core.SnapshotVersion {
		return nil, core.NewValidationError(op, "version", fmt.Sprintf("unsupported snapshot version %d", snap.Version))
	}
	if err := resonance.ValidatePrimes(op, snap.BodyPrimes); err != nil {
		return nil, err
	}
	if !slices.Equal(resonance.SortedPrimes(agent.BodyPrimes), resonance.SortedPrimes(snap.BodyPrimes)) {
		return nil, &core.Error{
			Kind:  core.KindValidation,
			Op:    op,
			Field: "body_primes",
			Msg:   "snapshot belongs to a different body",
			Err:   core.ErrIdentityImmutable,
		}
	}
	if snap.Quaternion.Norm() == 0 || math.IsNaN(snap.Quaternion.Norm()) {
		return nil, core.NewValidationError(op, "quaternion", "must be non-zero")
	}

	e, err := New(agent, optFns...)
	if err != nil {
		return nil, err
	}

	snap = snap.Clone()
	for p, phases := range snap.MemoryPhases {
		if _, ok := e.memoryPhases[p]; !ok {
			return nil, core.NewValidationError(op, "memory_phases", fmt.Sprintf("prime %d is not part of the body", p))
		}
		e.memoryPhases[p] = phases
	}
	e.quaternion = snap.Quaternion
	e.epoch = snap.Epoch
	e.beacons = snap.Beacons

	return e, nil
}

// Deserialize decodes a JSON snapshot and restores an engine from it.
func Deserialize(agent core.Agent, data []byte, optFns ...func(o *Options)) (*Engine, error) {
	var snap core.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, core.NewValidationError("engine.Deserialize", "snapshot", err.Error())
	}
	return Restore(agent, snap, optFns...)
}

// MemoryPhases returns a deep copy of the per-prime phase history.
func (e *Engine) MemoryPhases() map[uint64][]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[uint64][]float64, len(e.memoryPhases))
	for p, v := range e.memoryPhases {
		out[p] = slices.Clone(v)
	}
	return out
}
