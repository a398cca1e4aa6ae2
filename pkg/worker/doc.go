/*
Package worker implements the execution agent that connects to a
foreman, registers, and services task assignments.

Task functions are registered by kind tag before the agent connects;
the wire never ships executable code. A function receives its argument
list and a Checkpointer for shipping incremental state:

	reg := worker.NewRegistry()
	reg.Register("train", func(ctx context.Context, args []json.RawMessage, cp *worker.Checkpointer) (any, error) {
		state := loadOrResume(cp.ResumedState())
		for step := range work {
			...
			if err := cp.SaveDelta(stateDelta(step), progress); err != nil {
				// checkpointing is best-effort; keep computing
			}
		}
		return result, nil
	})

	w := worker.New("worker-1", "ws://foreman:7070/ws", reg)
	err := w.Run(ctx)

Execution is at-least-once: a function may run again on another worker
after a failure, possibly seeded with the reconstructed checkpoint
state from its previous attempt via a resume_task envelope.

Assignments execute off the read loop so pings keep getting answered;
the foreman's busy bookkeeping guarantees at most one task in flight
per worker.
*/
package worker
