package sweeper

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/metrics"
	"github.com/crowdio/foreman/pkg/storage"
	"github.com/crowdio/foreman/pkg/types"
)

const (
	// DefaultInterval is how often the sweep runs
	DefaultInterval = time.Minute
	// DefaultStallThreshold is how long a task may sit in assigned
	// before it is considered stalled.
	DefaultStallThreshold = 5 * time.Minute
)

// Sweeper resets tasks stuck in assigned after a worker crash back to
// pending so the dispatcher can retry them. Tasks with a live checkpoint
// go back to pending too; the dispatcher prefers resume_task for them.
type Sweeper struct {
	store     storage.Store
	interval  time.Duration
	threshold time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// New creates a sweeper. Non-positive durations fall back to defaults.
func New(store storage.Store, interval, threshold time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultStallThreshold
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		threshold: threshold,
		logger:    log.WithComponent("sweeper"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	go s.run()
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("threshold", s.threshold).Msg("Sweeper started")
	for {
		select {
		case <-ticker.C:
			if n, err := s.Sweep(); err != nil {
				s.logger.Error().Err(err).Msg("Sweep cycle failed")
			} else if n > 0 {
				s.logger.Info().Int("reset", n).Msg("Reset stalled tasks")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Sweep performs one pass and returns how many tasks were reset
func (s *Sweeper) Sweep() (int, error) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return 0, err
	}

	reset := 0
	cutoff := time.Now().Add(-s.threshold)
	for _, j := range jobs {
		if j.Status != types.JobStatusRunning {
			continue
		}
		tasks, err := s.store.GetJobTasks(j.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", j.ID).Msg("Failed to list job tasks")
			continue
		}
		for _, task := range tasks {
			if task.Status != types.TaskStatusAssigned {
				continue
			}
			if task.AssignedAt == nil || task.AssignedAt.After(cutoff) {
				continue
			}
			// The assigned worker is presumed gone; offline workers
			// never return results for this attempt.
			if err := s.store.ResetTaskPending(task.ID, "assignment stalled"); err != nil {
				s.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to reset stalled task")
				continue
			}
			metrics.TasksSwept.Inc()
			reset++
			s.logger.Warn().
				Str("task_id", task.ID).
				Str("worker_id", task.WorkerID).
				Bool("checkpoint_available", task.BaseCheckpointRef != "").
				Msg("Reset stalled assigned task")
		}
	}
	return reset, nil
}
