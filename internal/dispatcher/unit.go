package dispatcher

import (
	"context"
	"time"

	"github.com/JakeFAU/readability-server/internal/protocol"
)

// WorkerState is the lifecycle state of a worker slot.
type WorkerState string

// Worker slot states.
const (
	StateStarting    WorkerState = "starting"
	StateIdle        WorkerState = "idle"
	StateBusy        WorkerState = "busy"
	StateTerminating WorkerState = "terminating"
	StateDead        WorkerState = "dead"
)

// Unit is the pool's handle on one running worker instance. Every method must return without
// waiting for task execution.
type Unit interface {
	// Send hands a task to the worker.
	Send(task *protocol.Task) error
	// Messages delivers worker messages in the order they were written. It is never closed;
	// Done signals the end of the stream.
	Messages() <-chan *protocol.Message
	// Done is closed once the worker has exited and every message was handed to Messages.
	Done() <-chan struct{}
	// Err reports why the worker exited. It is only meaningful after Done is closed.
	Err() error
	// Kill forcibly terminates the worker.
	Kill() error
	// Close asks the worker to exit and kills it if it is still running after grace.
	Close(grace time.Duration) error
	// PID identifies the underlying process, or 0 when there is none.
	PID() int
}

// Spawner starts worker units. Spawn blocks until the unit has loaded its handler and is ready
// for tasks, or fails with a *StartupError.
type Spawner interface {
	Spawn(ctx context.Context, slot int) (Unit, error)
}
