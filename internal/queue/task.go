package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/google/uuid"
)

// Lane is a named queue with its own weight in the dispatcher
type Lane string

const (
	LaneUrgent      Lane = config.LaneUrgent
	LaneScheduled   Lane = config.LaneScheduled
	LaneMatch       Lane = config.LaneMatch
	LaneMaintenance Lane = config.LaneMaintenance
)

// TaskType selects the handler a worker runs for a task
type TaskType string

const (
	TaskScan    TaskType = "scan"
	TaskRematch TaskType = "rematch"
	TaskCleanup TaskType = "cleanup"
)

// Task is the message envelope carried on every lane
type Task struct {
	ID         string          `json:"task_id"`
	Type       TaskType        `json:"type"`
	JobID      string          `json:"job_id,omitempty"`
	Priority   domain.Priority `json:"priority"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewTask builds a task with a fresh id
func NewTask(taskType TaskType, jobID string, priority domain.Priority) Task {
	return Task{
		ID:         uuid.NewString(),
		Type:       taskType,
		JobID:      jobID,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
}

// LaneFor routes a task to its lane by category
func LaneFor(task Task) Lane {
	switch task.Type {
	case TaskRematch:
		return LaneMatch
	case TaskCleanup:
		return LaneMaintenance
	}

	switch task.Priority {
	case domain.PriorityUrgent, domain.PriorityHigh:
		return LaneUrgent
	default:
		return LaneScheduled
	}
}

// Encode serializes a task for the wire
func Encode(task Task) ([]byte, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}
	return body, nil
}

// Decode parses and checks a task body
func Decode(body []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return Task{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	switch task.Type {
	case TaskScan, TaskRematch:
		if _, err := uuid.Parse(task.JobID); err != nil {
			return Task{}, fmt.Errorf("%w: invalid job_id %q", domain.ErrInvalidPayload, task.JobID)
		}
	case TaskCleanup:
	default:
		return Task{}, fmt.Errorf("%w: unknown task type %q", domain.ErrInvalidPayload, task.Type)
	}

	return task, nil
}
