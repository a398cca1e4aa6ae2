package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskIDRoundTrip(t *testing.T) {
	id := TaskID("J1", 7)
	assert.Equal(t, "J1_task_7", id)
	assert.Equal(t, 7, TaskIndex(id))
}

func TestTaskIndex(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want int
	}{
		{"simple", "J1_task_0", 0},
		{"large index", "J1_task_123", 123},
		{"job id containing _task_", "a_task_b_task_4", 4},
		{"uuid job id", "550e8400-e29b-41d4-a716-446655440000_task_2", 2},
		{"no marker", "J1-0", -1},
		{"non-numeric index", "J1_task_x", -1},
		{"negative index", "J1_task_-1", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TaskIndex(tt.id))
		})
	}
}

func TestSuccessRate(t *testing.T) {
	w := &Worker{}
	assert.Equal(t, 1.0, w.SuccessRate())

	w = &Worker{TotalTasksCompleted: 9, TotalTasksFailed: 1}
	assert.Equal(t, 0.9, w.SuccessRate())

	w = &Worker{TotalTasksFailed: 4}
	assert.Equal(t, 0.0, w.SuccessRate())
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusAssigned.Terminal())
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
}
