// Package agent provides the Manager, the registry and lifecycle controller
// for primemesh agents.
//
// The Manager owns every agent record and the engine that serves it. It
// validates input, assigns identifiers, forwards summon/step/beacon calls to
// the engine, persists records and snapshots through an optional
// core.AgentStore, and cascades deletes to registered hooks (the runner
// stops bound runs, the team manager drops memberships).
//
// Lifecycle:
//
//	Create → Summon → Step… → Dismiss → (Summon again) → Delete
//
// All methods are safe for concurrent use. Records handed to callers are
// copies; mutating them never affects the registry.
package agent
