// Package core provides the foundational domain records, error taxonomy and
// collaborator contracts shared by the primemesh packages. It defines:
//
//   - Agent, Team and Run records plus the Engine Snapshot
//   - Session (the summon-scoped, ephemeral part of an agent's state)
//   - Observations, step results, quaternions and beacons
//   - A structured Error type with kind and detail sentinels
//   - Persistence (AgentStore, TeamStore, RunStore) and TelemetrySink contracts
//
// Implementation concerns (engine math, orchestration, storage backends) live
// in sibling packages; core only exposes small value types and interfaces.
package core
