// Package logging provides a minimal logging interface and adapters for primemesh.
//
// The Logger interface defines the leveled methods (Debug, Info, Warn, Error)
// that managers, the team layer and the runner use for observability. Arguments
// after the message are slog-style key/value pairs. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping a *slog.Logger
//   - MeshLogger with component / agent / run context and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	mesh, err := primemesh.New(func(o *primemesh.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging
