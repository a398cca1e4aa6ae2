/*
Package dispatch joins the scheduler, the connection registry, and the
persistence gateway to turn pending tasks into assignments.

Two entry points cover both directions of the matching problem:

	AssignTasksForJob  a new job drains the available-worker pool
	AssignToWorker     a freed worker pulls its next task

# The Assignment Critical Section

The in-memory availability set and the persisted task status describe
the same fact from two angles, so the paired transition must be atomic
against a concurrent second attempt:

 1. Registry.Acquire removes the worker from the available set.
 2. The task is compare-and-set pending -> assigned in the store.
 3. Only then is the envelope emitted, outside any registry lock, so a
    slow network cannot hold the registry.
 4. On emit failure both effects roll back: the worker returns to the
    available set and the task to pending.

Tasks with a live checkpoint are dispatched as resume_task envelopes
carrying reconstructed state; everything else goes out as assign_task.
*/
package dispatch
