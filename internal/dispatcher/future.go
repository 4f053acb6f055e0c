package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/readability-server/internal/protocol"
)

// ErrNoResult is returned by Result.Decode when the handler produced nothing.
var ErrNoResult = errors.New("dispatcher: task produced no result")

// Result is the value a handler returned for a task.
type Result struct {
	TaskID string
	Slot   int
	Value  json.RawMessage
	// Waited is the time spent queued; Ran is the time between assignment and completion.
	Waited time.Duration
	Ran    time.Duration
}

// Empty reports whether the handler ran successfully but found nothing to return.
func (r Result) Empty() bool {
	return protocol.IsNull(r.Value)
}

// Decode unmarshals the handler value into v.
func (r Result) Decode(v any) error {
	if r.Empty() {
		return ErrNoResult
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return fmt.Errorf("decode result of task %s: %w", r.TaskID, err)
	}
	return nil
}

// Future is the caller's handle on a submitted task. It is resolved exactly once.
type Future struct {
	id   string
	done chan struct{}
	once sync.Once

	result Result
	err    error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the task id.
func (f *Future) ID() string {
	return f.id
}

// Done is closed once the task has an outcome.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the task has an outcome or ctx ends. Cancelling ctx only abandons the
// wait; the task keeps running and the Future still resolves.
func (f *Future) Await(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("await task %s: %w", f.id, ctx.Err())
	}
}

// Resolved reports whether the task already has an outcome.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Future) settle(res Result, err error) {
	f.once.Do(func() {
		f.result = res
		f.err = err
		close(f.done)
	})
}
