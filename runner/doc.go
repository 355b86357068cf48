// Package runner drives agents through autonomous multi-step loops.
//
// A run is a goroutine bound to one agent. While the run is live it holds the
// agent's ownership token, so direct steps against that agent are rejected
// with core.ErrOwnedByRun instead of racing the loop. The token is released
// as soon as the run turns terminal; a step the run attempts after that fails
// with core.ErrNotOwner.
//
// # Lifecycle
//
//	running <-> paused -> stopped | completed | failed
//
// Terminal states are absorbing. Pause, Resume and Stop take effect at the
// next step boundary; a step that has started always completes and is
// recorded. A run completes after MaxSteps steps or when the Until predicate
// holds. It fails on the first step error, on a panic inside a step or the
// Until predicate, and when the agent's epoch does not advance by exactly one
// per step.
//
// # Capacity
//
// Options.MaxConcurrentRuns bounds live runs. Start beyond the bound is
// rejected with core.ErrCapacityExceeded; nothing is queued. A slot is freed
// when the loop exits, so Wait after Stop guarantees it is available again.
package runner
