/*
Package job owns the job lifecycle: batch creation, per-task state
transitions, ordered result assembly, and completion detection.

A job is a client batch of N tasks sharing one function kind. The
manager keeps one in-memory cache entry per active job (the function
kind and checkpoint flag), populated on acceptance and evicted on finalization; everything
else persists through the storage gateway.

Result assembly is ordered by the index embedded in each task id, not
by arrival order. Failed or missing tasks contribute null slots, and a
job whose tasks have all reached a terminal state finalizes even when
some of them failed permanently, with the failure count recorded on the
job row.

Stored results that parse as JSON pass through verbatim; a raw string
result is wrapped as a JSON string. This is the single decode policy
for the job_results emission.
*/
package job
