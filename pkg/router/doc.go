/*
Package router multiplexes one message-oriented transport into
client-role or worker-role state machines.

Each connection gets its own goroutine reading envelopes sequentially,
so handlers for one connection are strictly serialized while different
connections proceed concurrently. The first envelope fixes the role:

	submit_job    -> client
	worker_ready  -> worker
	anything else -> connection terminated

# Dispatch Tables

Client-role envelopes:

	submit_job  register client conn, create job + tasks, drain
	            available workers, reply job_accepted (job_error on
	            malformed or duplicate submissions)
	disconnect  close the connection

Worker-role envelopes:

	worker_ready     register conn, upsert worker row, try an assignment
	task_result      exactly-once completion accounting, worker stats,
	                 checkpoint cleanup, completion handling, next assignment
	task_error       failure record, retry reset (or terminal fail past
	                 the cap), worker stats, next assignment
	pong             refresh last_seen
	worker_heartbeat refresh last_seen
	task_checkpoint  store blob + descriptors, reply checkpoint_ack

Unknown envelope types are logged and ignored for forward
compatibility.

# Disconnects

A worker disconnect marks the row offline but preserves its counters
and any in-flight task row in assigned state; the sweeper resets
stalled assignments later. A client disconnect removes only the
connection mapping: the job keeps running, results accumulate on the
job rows, and the completion emission no-ops without a client conn.

# Error Policy

Protocol and storage errors on a client connection answer with
job_error; on a worker connection they are logged and skipped, since
the worker recovers naturally through its next envelope. Nothing in the
router panics on business-logic errors.
*/
package router
