package dispatcher

import (
	"errors"
	"fmt"
)

// Failures a task Future can be rejected with. They are data, not panics: the pool reports them
// through Future.Await and never returns them from its own methods, except ErrClosed and
// ErrQueueFull which Submit returns synchronously.
var (
	// ErrTimeout means the task did not finish before its deadline; its worker was killed.
	ErrTimeout = errors.New("dispatcher: task timed out")
	// ErrWorkerCrashed means the worker process exited while running the task.
	ErrWorkerCrashed = errors.New("dispatcher: worker crashed")
	// ErrShutdown means the pool shut down before the task could finish.
	ErrShutdown = errors.New("dispatcher: pool shut down")
	// ErrNoWorkers means every worker slot failed to start and the pool cannot run tasks.
	ErrNoWorkers = errors.New("dispatcher: no live workers")
	// ErrClosed is returned by Submit after Shutdown was called.
	ErrClosed = errors.New("dispatcher: pool closed")
	// ErrQueueFull is returned by Submit when a bounded queue is at capacity.
	ErrQueueFull = errors.New("dispatcher: queue full")
)

// HandlerError carries the failure a handler reported from inside its worker.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string {
	return e.Message
}

// TaskError is the rejection value of a Future. Err is one of the sentinel errors above or a
// *HandlerError.
type TaskError struct {
	TaskID string
	Slot   int
	Err    error
}

func (e *TaskError) Error() string {
	if e.Slot < 0 {
		return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("task %s on worker %d: %v", e.TaskID, e.Slot, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// StartupError is returned by a Spawner when a worker could not load its handler.
type StartupError struct {
	Slot   int
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %d failed to start: %s: %v", e.Slot, e.Reason, e.Err)
	}
	return fmt.Sprintf("worker %d failed to start: %s", e.Slot, e.Reason)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}
