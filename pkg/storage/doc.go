/*
Package storage provides the persistence gateway: sessioned,
transactional access to job, task, and worker state backed by BoltDB.

Every multi-statement mutation runs inside one bbolt write transaction,
which is the gateway's session boundary. Readers use read-only view
transactions. The gateway is the single owner of durable rows; in-memory
registries elsewhere hold only connection handles and transient caches.

# Buckets

	jobs             job rows keyed by job id
	tasks            task rows keyed by {job_id}_task_{index}
	workers          worker rows keyed by worker id (survive disconnects)
	worker_failures  append-only failure history keyed by uuid
	checkpoint_blobs small compressed checkpoint blobs keyed by task prefix

Rows are JSON-encoded. Task ids embed the task's position in the
client's input sequence, which is what keeps result assembly ordered
regardless of completion order.

# Error Classification

All operations fail with a StorageError that distinguishes NotFound
from Conflict from Transient:

	task, err := store.GetTask(id)
	if storage.IsNotFound(err) {
		// log and skip; worker retries naturally via its next envelope
	}

Transient failures are retried inside the gateway with capped
exponential backoff before they surface as fatal.

# Exactly-Once Accounting

CompleteTaskIfAssigned is the completion primitive: a compare-and-set
on (status=assigned, worker_id) that writes the result and increments
the job counter in the same transaction. Stale or duplicate completions
return Accepted=false and mutate nothing, which is what makes
at-least-once task execution safe to account for:

	res, err := store.CompleteTaskIfAssigned(taskID, workerID, result)
	if res.Accepted && res.JobComplete() {
		// every task of the job is now completed
	}

FailTaskForRetry is its counterpart for failures: below the retry cap
the task returns to the pending pool with its worker cleared; past the
cap it goes terminally failed.

# See Also

  - pkg/types - row shapes and status enums
  - pkg/checkpoint - consumer of the blob operations
  - pkg/job - lifecycle logic layered on these primitives
*/
package storage
