package queue

import (
	"context"
	"errors"
)

// Errors returned by Submit.
var (
	ErrQueueFull  = errors.New("worker queue is full")
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Task is a unit of background work.
type Task struct {
	ID   string
	Kind string
	// Run executes the task. Panics are recovered and passed to OnPanic.
	Run func(ctx context.Context)
	// OnPanic, if set, is called with the recovered value after Run panics.
	OnPanic func(recovered any)
}

// NewTask creates a task with the given id, kind and body.
func NewTask(id, kind string, run func(ctx context.Context)) *Task {
	return &Task{ID: id, Kind: kind, Run: run}
}
