// Package engine implements the per-agent cognitive runtime for primemesh.
//
// An Engine owns one agent's mutable state and is its single writer. It
// bridges the pure transforms of package resonance and the layer table of
// package catalog into a deterministic step function.
//
// # State
//
// Persistent state survives dismiss and is captured by Snapshot:
//   - Body primes (immutable identity)
//   - Memory phases, one growing sequence per prime
//   - Orientation quaternion and monotonically increasing epoch
//   - Beacon history
//
// Summon-scoped state lives in a *core.Session that exists only between the
// first successful SummonLayer and Dismiss:
//   - Active layers in activation order
//   - Belief distribution from the latest step
//   - Entropy trajectory (one entry per step)
//   - Attention weights
//
// # Step
//
// A step validates its input, encodes the observation into a percept, folds
// the percept phases into memory, scores every permissible action with the
// capabilities granted by the active layers, collapses the scores into a
// softmax belief, and rotates the orientation. Given the same prior state and
// inputs, a step always yields the same result.
//
// # Concurrency
//
// All methods are safe for concurrent use; they serialize on the engine
// mutex. Acquire/Release implement an owner token that restricts stepping to
// a single run while held. Callbacks run outside the lock.
//
// # Usage
//
//	e, err := engine.New(agent)
//	if err != nil {
//	    return err
//	}
//	if _, err := e.SummonLayer("perception"); err != nil {
//	    return err
//	}
//	res, err := e.Step(ctx, core.Observation{Text: "hello"}, nil)
package engine
