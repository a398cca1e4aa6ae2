/*
Package checkpoint implements incremental task state snapshots: hybrid
blob storage, base/delta accounting, reconstruction, compaction, and
resume preparation.

Workers ship a full base snapshot once and small deltas afterwards.
When a worker dies mid-task, the foreman reconstructs the latest state
from base + deltas and restarts the task on another worker with a
resume_task envelope instead of from scratch.

# Hybrid Storage

Blobs are gzip-compressed at level 6 and placed by compressed size:

	< 1 MiB   durable store, reference db_<id>
	>= 1 MiB  filesystem, <root>/<task_id>/{base,delta_<id>}.gz,
	          reference fs_<task_id>/<name>.gz

Retrieval decompresses transparently and checks the filesystem first.
Per-task path namespacing makes concurrent writes for different tasks
inherently safe.

# Reconstruction and Merge

ReconstructState loads the base and folds every delta in order through
a Merger. The default JSONMerger is a right-biased key overlay: delta
keys replace base keys, base-only keys are retained. Equal-length
numeric arrays merge element-wise by addition. A payload that fits
neither shape leaves the base unchanged and logs the condition. The
merge is pure and total; reconstruction never fails on a bad payload,
and missing delta blobs are skipped best-effort.

# Compaction

Once a task accumulates 50 deltas (configurable), the chain is folded
into a fresh base whose id is one past the previous checkpoint count.
The row swap is a single transaction, so observers see either the old
chain or the new base, never a mix.

# Resume Eligibility

A task is resumable when it has a base, is not in a terminal state, and
its last checkpoint is at most an hour old. BuildResumeEnvelope
hex-encodes the reconstructed state and names the checkpoint count so
the worker seeds its local sequence above every stored id.
*/
package checkpoint
