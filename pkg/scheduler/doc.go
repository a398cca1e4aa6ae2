/*
Package scheduler provides pluggable worker/task selection policies.

Strategies are pure: no I/O, no store access, no locking beyond their
own rotation state. The dispatcher owns every side effect around the
choice, which keeps strategies trivially testable and swappable at
runtime.

# Strategies

	fifo          any available worker; first pending task
	round_robin   stable sorted rotation over the available set
	least_loaded  min(completed + failed); first pending task
	performance   max success rate (ties by completed count); task by
	              max priority (ties by fewest retries)
	priority      performance placement for priority > 0 tasks, FIFO
	              otherwise; task by max priority

success_rate is completed/(completed+failed) and defined as 1.0 for a
worker with no history, so new workers are immediately eligible for
performance-based placement.

# Usage

	strategy, err := scheduler.New("least_loaded")
	if err != nil { ... }
	workerID := strategy.SelectWorker(task, available, workerStats)
	next := strategy.SelectTask(pending, workerID)
*/
package scheduler
