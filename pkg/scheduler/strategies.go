package scheduler

import (
	"sort"
	"sync"

	"github.com/crowdio/foreman/pkg/types"
)

// FIFO assigns tasks in arrival order to whichever worker comes first
type FIFO struct{}

func (s *FIFO) SelectWorker(task *types.Task, available []string, workers map[string]*types.Worker) string {
	if len(available) == 0 {
		return ""
	}
	return available[0]
}

func (s *FIFO) SelectTask(pending []*types.Task, workerID string) *types.Task {
	if len(pending) == 0 {
		return nil
	}
	return pending[0]
}

// RoundRobin walks a stable sorted rotation of the available workers.
// The rotation resets whenever the available set changes.
type RoundRobin struct {
	mu      sync.Mutex
	order   []string
	lastIdx int
}

func (s *RoundRobin) SelectWorker(task *types.Task, available []string, workers map[string]*types.Worker) string {
	if len(available) == 0 {
		return ""
	}
	sorted := append([]string(nil), available...)
	sort.Strings(sorted)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !equalStrings(sorted, s.order) {
		s.order = sorted
		s.lastIdx = -1
	}
	s.lastIdx = (s.lastIdx + 1) % len(s.order)
	return s.order[s.lastIdx]
}

func (s *RoundRobin) SelectTask(pending []*types.Task, workerID string) *types.Task {
	if len(pending) == 0 {
		return nil
	}
	return pending[0]
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LeastLoaded favors the worker with the fewest total tasks processed
type LeastLoaded struct{}

func (s *LeastLoaded) SelectWorker(task *types.Task, available []string, workers map[string]*types.Worker) string {
	if len(available) == 0 {
		return ""
	}
	best := ""
	bestLoad := 0
	for _, id := range available {
		w, ok := workers[id]
		if !ok {
			continue
		}
		load := w.TotalTasksCompleted + w.TotalTasksFailed
		if best == "" || load < bestLoad {
			best = id
			bestLoad = load
		}
	}
	if best == "" {
		return available[0]
	}
	return best
}

func (s *LeastLoaded) SelectTask(pending []*types.Task, workerID string) *types.Task {
	if len(pending) == 0 {
		return nil
	}
	return pending[0]
}

// Performance favors workers with the best success rate and tasks with
// the highest priority.
type Performance struct{}

func (s *Performance) SelectWorker(task *types.Task, available []string, workers map[string]*types.Worker) string {
	return bestBySuccessRate(available, workers)
}

func (s *Performance) SelectTask(pending []*types.Task, workerID string) *types.Task {
	return highestPriority(pending)
}

// Priority routes high-priority tasks to the best-performing workers and
// everything else first-come-first-served.
type Priority struct{}

func (s *Priority) SelectWorker(task *types.Task, available []string, workers map[string]*types.Worker) string {
	if len(available) == 0 {
		return ""
	}
	if task != nil && task.Priority > 0 {
		if best := bestBySuccessRate(available, workers); best != "" {
			return best
		}
	}
	return available[0]
}

func (s *Priority) SelectTask(pending []*types.Task, workerID string) *types.Task {
	return highestPriority(pending)
}

// bestBySuccessRate picks the available worker with the highest success
// rate, breaking ties by completed task count.
func bestBySuccessRate(available []string, workers map[string]*types.Worker) string {
	best := ""
	var bestRate float64
	var bestDone int
	for _, id := range available {
		w, ok := workers[id]
		if !ok {
			continue
		}
		rate := w.SuccessRate()
		if best == "" || rate > bestRate || (rate == bestRate && w.TotalTasksCompleted > bestDone) {
			best = id
			bestRate = rate
			bestDone = w.TotalTasksCompleted
		}
	}
	if best == "" && len(available) > 0 {
		return available[0]
	}
	return best
}

// highestPriority picks the pending task with the highest priority,
// breaking ties toward the fewest retries.
func highestPriority(pending []*types.Task) *types.Task {
	if len(pending) == 0 {
		return nil
	}
	best := pending[0]
	for _, t := range pending[1:] {
		if t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.RetryCount < best.RetryCount) {
			best = t
		}
	}
	return best
}
