/*
Package metrics exposes prometheus collectors for the foreman: job and
task counters, scheduling latency, worker gauges, checkpoint volume,
and sweeper activity.

Register once at startup, then serve Handler() on /metrics. The Timer
helper measures an operation for histogram observation:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)
*/
package metrics
