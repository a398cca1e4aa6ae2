/*
Package registry tracks live connections: worker_id -> conn,
job_id -> client conn, reverse lookups by connection handle, and the
available-workers set.

A single mutex guards all maps. Every operation is O(1) except the
by-connection reverse lookups, which are linear and only run on
disconnect. The registry performs no I/O; sends happen in the
dispatcher and router after the lock is dropped.

Acquire/Release form the registry half of the assignment critical
section: Acquire atomically checks availability and claims the worker,
Release undoes the claim on rollback or after a result.
*/
package registry
