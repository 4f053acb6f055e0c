// Package worker implements the task loop that runs inside a worker process.
//
// A worker process loads exactly one registered Handler, announces itself to the pool, then
// executes one task at a time: read a task from stdin, run the handler, write a single result or
// failure to stdout. Logs go to stderr so stdout stays a clean protocol channel.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/readability-server/internal/protocol"
)

// Worker executes tasks for one handler.
type Worker struct {
	name    string
	handler Handler
	enc     *protocol.Encoder
	dec     *protocol.Decoder
	logger  *zap.Logger
}

// Serve loads the named handler and processes tasks from in until in reaches EOF or ctx ends.
// A handler that cannot be loaded is reported to the parent as a startup error.
func Serve(ctx context.Context, name string, in io.Reader, out io.Writer, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc := protocol.NewEncoder(out)
	handler, err := Lookup(name)
	if err != nil {
		msg := &protocol.Message{Protocol: protocol.Version, Kind: protocol.KindStartupError, Handler: name, Error: err.Error()}
		if encErr := enc.EncodeMessage(msg); encErr != nil {
			logger.Error("report startup error failed", zap.Error(encErr))
		}
		return err
	}
	w := &Worker{
		name:    name,
		handler: handler,
		enc:     enc,
		dec:     protocol.NewDecoder(in),
		logger:  logger.With(zap.String("handler", name)),
	}
	return w.run(ctx)
}

func (w *Worker) run(ctx context.Context) error {
	if err := w.enc.EncodeMessage(&protocol.Message{
		Protocol: protocol.Version,
		Kind:     protocol.KindReady,
		Handler:  w.name,
	}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	w.logger.Debug("worker ready")

	for {
		if ctx.Err() != nil {
			return nil
		}
		task, err := w.dec.DecodeTask()
		if err != nil {
			if errors.Is(err, io.EOF) {
				w.logger.Debug("task stream closed")
				return nil
			}
			return fmt.Errorf("read task: %w", err)
		}
		if err := w.enc.EncodeMessage(w.execute(ctx, task)); err != nil {
			return fmt.Errorf("write outcome for %s: %w", task.TaskID, err)
		}
	}
}

func (w *Worker) execute(ctx context.Context, task *protocol.Task) *protocol.Message {
	taskCtx := ctx
	if task.DeadlineAt != nil {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithDeadline(ctx, *task.DeadlineAt)
		defer cancel()
	}

	value, err := w.invoke(taskCtx, task.Args)
	if err != nil {
		w.logger.Warn("handler failed", zap.String("task_id", task.TaskID), zap.Error(err))
		return failure(task.TaskID, err)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return failure(task.TaskID, fmt.Errorf("encode handler result: %w", err))
	}
	return &protocol.Message{
		Protocol: protocol.Version,
		Kind:     protocol.KindResult,
		TaskID:   task.TaskID,
		Result:   raw,
	}
}

// invoke runs the handler, turning a panic into a handler failure so the process stays usable.
func (w *Worker) invoke(ctx context.Context, args []json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			value = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return w.handler(ctx, args)
}

func failure(taskID string, err error) *protocol.Message {
	msg := err.Error()
	if msg == "" {
		msg = "handler failed"
	}
	return &protocol.Message{
		Protocol: protocol.Version,
		Kind:     protocol.KindFailure,
		TaskID:   taskID,
		Error:    msg,
	}
}
