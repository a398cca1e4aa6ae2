/*
Package sweeper recovers tasks orphaned by worker crashes.

A task assigned to a worker that died stays in assigned state forever
without intervention, pinning a slot of its job. The sweeper
periodically resets tasks whose assignment is older than a threshold
(default 5m) back to pending so the dispatcher can retry them. Tasks
with a fresh checkpoint are picked up as resume_task by the dispatcher;
the rest restart from scratch.
*/
package sweeper
