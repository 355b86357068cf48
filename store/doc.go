// Package store provides persistence backends for agent records, engine
// snapshots, teams and runs.
//
// Two implementations satisfy core.AgentStore, core.TeamStore and
// core.RunStore:
//   - InMemoryStore: volatile, process local, for tests and demos
//   - SQLiteStore: durable single-file storage backed by modernc.org/sqlite
//
// Managers remain the in-memory authority while a process runs; a store only
// makes state survive restarts. Every value handed in or out is copied.
package store
