package runner

import (
	"context"
	"time"
)

// Task is a scheduled background job.
type Task interface {
	// Name identifies the task in logs and the registry.
	Name() string

	// Schedule is the cron expression (with seconds) driving the task.
	Schedule() string

	// Run executes one cycle of the task.
	Run(ctx context.Context) error

	// Timeout caps how long one cycle may run.
	Timeout() time.Duration
}

// TaskRegistry holds the tasks a Runner schedules.
type TaskRegistry struct {
	tasks map[string]Task
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

// Register adds a task, replacing any task with the same name.
func (r *TaskRegistry) Register(task Task) {
	r.tasks[task.Name()] = task
}

// Get returns a task by name.
func (r *TaskRegistry) Get(name string) (Task, bool) {
	task, exists := r.tasks[name]
	return task, exists
}

// All returns every registered task.
func (r *TaskRegistry) All() map[string]Task {
	return r.tasks
}
