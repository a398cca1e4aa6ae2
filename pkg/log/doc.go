/*
Package log provides structured logging built on zerolog.

Init configures the global logger once at startup (level, JSON or
console output). Components derive child loggers carrying their
identity:

	logger := log.WithComponent("dispatcher")
	logger.Info().Str("task_id", id).Msg("Assigned task to worker")

WithJobID, WithWorkerID, and WithTaskID attach the corresponding field
for per-entity loggers.
*/
package log
