/*
Package foreman assembles the coordinator daemon.

It wires the persistence gateway, connection registry, scheduler,
job manager, dispatcher, checkpoint manager, router, heartbeat keeper,
sweeper, and event broker, and serves the HTTP surface:

	GET /ws                        WebSocket endpoint for clients and workers
	GET /healthz                   liveness probe
	GET /metrics                   prometheus metrics
	GET /api/stats                 connection and job counters
	GET /api/jobs                  job listing
	GET /api/jobs/{id}             one job
	GET /api/jobs/{id}/tasks       a job's tasks
	GET /api/workers               worker listing with statistics
	GET /api/workers/failures      failure history (?worker_id= filter)
	GET /api/tasks/{id}/checkpoint per-task checkpoint blob totals

The /api routes are read-only views through the gateway; all mutation
flows over the WebSocket protocol.
*/
package foreman
