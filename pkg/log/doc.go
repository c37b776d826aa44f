/*
Package log provides structured logging for the worker agent using zerolog.

It wraps zerolog with a global logger plus small helpers for attaching
the context fields this codebase actually logs by: component, worker
ID, and task ID.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component and context loggers:

	startupLog := log.WithComponent("startup")
	startupLog.Info().Msg("registering with manager")

	taskLog := log.WithTaskID(task.ID)
	taskLog.Error().Err(err).Msg("command failed")

# Design

A single package-level Logger is initialized once in cmd/flamenco-worker
and never reconfigured afterward; every other package derives a child
logger from it via With() rather than holding its own Config. JSON
output is for production (piped to a log collector); console output
with RFC3339 timestamps is for local runs.
*/
package log
