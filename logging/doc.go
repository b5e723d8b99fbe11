// Package logging provides a minimal logging interface and adapters for InsightMesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, agents and stores use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - MeshLogger with component/session scoping and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(bus, store, func(o *engine.Options) { o.Logger = logger })
package logging
