/*
Package types defines the entities shared across the foreman: jobs,
tasks, workers, failure records, checkpoint descriptors, and their
status enums.

A task id is {job_id}_task_{index}; the embedded index is the ordering
primitive for result assembly. Worker rows persist across disconnects
so completion and failure statistics accumulate over a worker's whole
history.
*/
package types
