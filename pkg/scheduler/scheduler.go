package scheduler

import (
	"fmt"

	"github.com/crowdio/foreman/pkg/types"
)

// Strategy is a pure worker/task selection policy. Implementations do no
// I/O and take no locks beyond their own rotation state; the dispatcher
// owns all bookkeeping around the choice.
type Strategy interface {
	// SelectWorker picks a worker for the task from the available set,
	// or returns "" when no suitable worker exists. workers carries the
	// stats rows for every connected worker.
	SelectWorker(task *types.Task, available []string, workers map[string]*types.Worker) string

	// SelectTask picks the next task for the worker from the pending
	// list, or returns nil when nothing suits.
	SelectTask(pending []*types.Task, workerID string) *types.Task
}

// Strategy names accepted by New
const (
	NameFIFO        = "fifo"
	NameRoundRobin  = "round_robin"
	NameLeastLoaded = "least_loaded"
	NamePerformance = "performance"
	NamePriority    = "priority"
)

// New creates a strategy by name
func New(name string) (Strategy, error) {
	switch name {
	case NameFIFO, "":
		return &FIFO{}, nil
	case NameRoundRobin:
		return &RoundRobin{}, nil
	case NameLeastLoaded:
		return &LeastLoaded{}, nil
	case NamePerformance:
		return &Performance{}, nil
	case NamePriority:
		return &Priority{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler strategy: %s", name)
	}
}
