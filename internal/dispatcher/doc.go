// Package dispatcher runs a CPU-bound handler in a fixed pool of persistent, isolated workers.
//
// Each worker is a child process started by a Spawner (normally the service binary re-executed
// with the hidden worker subcommand). Workers stay alive across tasks and talk newline-delimited
// JSON over stdin/stdout (see package protocol).
//
// Scheduling:
//   - At most Size tasks run at once, one per worker
//   - Tasks wait in a FIFO queue (optionally bounded) and are assigned oldest first
//   - A task's timeout starts when it is assigned, not when it is submitted
//   - Every submitted task's Future resolves exactly once
//
// Failure handling:
//   - Handler returns nothing → Result.Empty(), worker stays
//   - Handler fails → *HandlerError, worker stays
//   - Timeout → ErrTimeout, worker killed and replaced
//   - Worker exits while busy → ErrWorkerCrashed, worker replaced
//   - Worker fails to start → retried with backoff, then the slot is dead and the pool degraded;
//     with no live slot left, tasks fail with ErrNoWorkers instead of waiting forever
//
// Shutdown rejects queued tasks with ErrShutdown, waits up to ShutdownGrace for running tasks,
// then kills what is left. Submit after Shutdown returns ErrClosed.
//
// Messages or exits from a worker that has already been replaced are recognized by the slot
// generation and ignored.
package dispatcher
