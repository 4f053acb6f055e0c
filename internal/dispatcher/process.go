package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/readability-server/internal/protocol"
)

const (
	// maxStderrLine caps a single relayed stderr line from a worker.
	maxStderrLine = 64 * 1024
)

// ProcessSpawner starts each worker as a child process speaking the newline-delimited JSON
// protocol over stdin/stdout. Path and Args identify the code the worker loads; typically the
// service binary itself with its hidden worker subcommand.
type ProcessSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Dir    string
	Logger *zap.Logger
}

// Spawn starts a worker process and waits for its ready handshake.
func (s *ProcessSpawner) Spawn(ctx context.Context, slot int) (Unit, error) {
	if s.Path == "" {
		return nil, &StartupError{Slot: slot, Reason: "worker path is empty"}
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Not CommandContext: the unit outlives the startup context.
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Dir = s.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartupError{Slot: slot, Reason: "create stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartupError{Slot: slot, Reason: "create stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &StartupError{Slot: slot, Reason: "create stderr pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &StartupError{Slot: slot, Reason: "start process", Err: err}
	}

	u := newProcessUnit(cmd, stdin, stdout, stderr, logger.With(zap.Int("slot", slot), zap.Int("pid", cmd.Process.Pid)))

	select {
	case msg := <-u.handshake:
		if msg.Kind == protocol.KindReady {
			u.logger.Debug("worker ready", zap.String("handler", msg.Handler))
			return u, nil
		}
		u.abandon()
		reason := fmt.Sprintf("unexpected %s before ready", msg.Kind)
		if msg.Kind == protocol.KindStartupError {
			reason = msg.Error
		}
		return nil, &StartupError{Slot: slot, Reason: reason}
	case <-u.Done():
		return nil, &StartupError{Slot: slot, Reason: "worker exited before ready", Err: u.Err()}
	case <-ctx.Done():
		u.abandon()
		return nil, &StartupError{Slot: slot, Reason: "worker did not become ready", Err: ctx.Err()}
	}
}

// processUnit is a Unit backed by an OS process.
type processUnit struct {
	cmd    *exec.Cmd
	logger *zap.Logger

	tasks     chan *protocol.Task
	handshake chan *protocol.Message
	messages  chan *protocol.Message
	done      chan struct{}

	closeOnce sync.Once
	killOnce  sync.Once
	err       error
}

func newProcessUnit(cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.Reader, logger *zap.Logger) *processUnit {
	u := &processUnit{
		cmd:       cmd,
		logger:    logger,
		tasks:     make(chan *protocol.Task, 1),
		handshake: make(chan *protocol.Message, 1),
		messages:  make(chan *protocol.Message),
		done:      make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		u.readMessages(stdout)
	}()
	go func() {
		defer readers.Done()
		u.relayStderr(stderr)
	}()
	go u.writeTasks(stdin)
	go func() {
		// Wait must not run before the pipes are drained.
		readers.Wait()
		u.err = cmd.Wait()
		close(u.done)
	}()
	return u
}

func (u *processUnit) Send(task *protocol.Task) error {
	select {
	case <-u.done:
		return fmt.Errorf("worker %d exited: %w", u.PID(), u.err)
	default:
	}
	select {
	case u.tasks <- task:
		return nil
	default:
		return errors.New("worker already has a task in flight")
	}
}

func (u *processUnit) Messages() <-chan *protocol.Message { return u.messages }

func (u *processUnit) Done() <-chan struct{} { return u.done }

func (u *processUnit) Err() error { return u.err }

func (u *processUnit) PID() int {
	if u.cmd.Process == nil {
		return 0
	}
	return u.cmd.Process.Pid
}

func (u *processUnit) Kill() error {
	var err error
	u.killOnce.Do(func() {
		if u.cmd.Process == nil {
			return
		}
		if kerr := u.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill worker %d: %w", u.PID(), kerr)
		}
	})
	return err
}

func (u *processUnit) Close(grace time.Duration) error {
	u.closeOnce.Do(func() { close(u.tasks) })
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-u.done:
		return nil
	case <-timer.C:
		u.logger.Warn("worker did not exit after close, killing")
		if err := u.Kill(); err != nil {
			return err
		}
		<-u.done
		return nil
	}
}

// abandon kills a unit that never became usable and discards whatever it still writes.
func (u *processUnit) abandon() {
	if err := u.Kill(); err != nil {
		u.logger.Warn("kill failed", zap.Error(err))
	}
	go func() {
		for {
			select {
			case <-u.messages:
			case <-u.done:
				return
			}
		}
	}()
}

func (u *processUnit) readMessages(stdout io.Reader) {
	dec := protocol.NewDecoder(stdout)
	first := true
	for {
		msg, err := dec.DecodeMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// A worker that breaks the protocol cannot be trusted with further tasks.
				u.logger.Error("worker protocol violation", zap.Error(err))
				if kerr := u.Kill(); kerr != nil {
					u.logger.Warn("kill failed", zap.Error(kerr))
				}
				_, _ = io.Copy(io.Discard, stdout)
			}
			return
		}
		if first {
			first = false
			u.handshake <- msg
			continue
		}
		u.messages <- msg
	}
}

func (u *processUnit) relayStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for scanner.Scan() {
		u.logger.Warn("worker stderr", zap.String("line", scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		u.logger.Debug("stderr relay stopped", zap.Error(err))
		_, _ = io.Copy(io.Discard, stderr)
	}
}

func (u *processUnit) writeTasks(stdin io.WriteCloser) {
	defer func() {
		if err := stdin.Close(); err != nil {
			u.logger.Debug("close stdin", zap.Error(err))
		}
	}()
	enc := protocol.NewEncoder(stdin)
	for {
		var task *protocol.Task
		select {
		case t, ok := <-u.tasks:
			if !ok {
				return
			}
			task = t
		case <-u.done:
			return
		}
		if err := enc.EncodeTask(task); err != nil {
			u.logger.Error("write task failed", zap.String("task_id", task.TaskID), zap.Error(err))
			if kerr := u.Kill(); kerr != nil {
				u.logger.Warn("kill failed", zap.Error(kerr))
			}
			return
		}
	}
}
