// Package dispatchertest provides an in-process Spawner for tests of code built on the
// dispatcher. Units call the handler directly on a goroutine; there is no isolation, so a
// killed unit abandons its handler instead of stopping it.
package dispatchertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/readability-server/internal/dispatcher"
	"github.com/JakeFAU/readability-server/internal/protocol"
	"github.com/JakeFAU/readability-server/internal/worker"
)

var errKilled = errors.New("unit killed")

// Spawner starts units that run Handler in-process.
type Spawner struct {
	Handler worker.Handler

	spawned atomic.Int32
	nextPID atomic.Int32
}

// NewSpawner returns a Spawner for h.
func NewSpawner(h worker.Handler) *Spawner {
	return &Spawner{Handler: h}
}

// Spawn starts a unit. It never fails.
func (s *Spawner) Spawn(_ context.Context, _ int) (dispatcher.Unit, error) {
	if s.Handler == nil {
		return nil, errors.New("dispatchertest: handler is required")
	}
	s.spawned.Add(1)
	u := &unit{
		handler: s.Handler,
		pid:     int(s.nextPID.Add(1)),
		tasks:   make(chan *protocol.Task, 1),
		msgs:    make(chan *protocol.Message),
		killed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go u.run()
	return u, nil
}

// Spawned reports how many units were started.
func (s *Spawner) Spawned() int {
	return int(s.spawned.Load())
}

type unit struct {
	handler worker.Handler
	pid     int

	tasks  chan *protocol.Task
	msgs   chan *protocol.Message
	killed chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	killOnce  sync.Once
	exitOnce  sync.Once
	err       error
}

func (u *unit) run() {
	for {
		select {
		case task, ok := <-u.tasks:
			if !ok {
				u.exit(nil)
				return
			}
			msg, alive := u.execute(task)
			if !alive {
				u.exit(errKilled)
				return
			}
			select {
			case u.msgs <- msg:
			case <-u.killed:
				u.exit(errKilled)
				return
			}
		case <-u.killed:
			u.exit(errKilled)
			return
		}
	}
}

func (u *unit) execute(task *protocol.Task) (*protocol.Message, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if task.DeadlineAt != nil {
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, *task.DeadlineAt)
		defer dcancel()
	}

	out := make(chan *protocol.Message, 1)
	go func() {
		msg := &protocol.Message{Protocol: protocol.Version, TaskID: task.TaskID}
		defer func() {
			if r := recover(); r != nil {
				msg.Kind = protocol.KindFailure
				msg.Error = fmt.Sprintf("handler panicked: %v", r)
			}
			out <- msg
		}()
		value, err := u.handler(ctx, task.Args)
		if err != nil {
			msg.Kind = protocol.KindFailure
			msg.Error = err.Error()
			return
		}
		raw, err := json.Marshal(value)
		if err != nil {
			msg.Kind = protocol.KindFailure
			msg.Error = fmt.Sprintf("encode result: %v", err)
			return
		}
		msg.Kind = protocol.KindResult
		msg.Result = raw
	}()

	select {
	case msg := <-out:
		return msg, true
	case <-u.killed:
		return nil, false
	}
}

func (u *unit) exit(err error) {
	u.exitOnce.Do(func() {
		u.err = err
		close(u.done)
	})
}

func (u *unit) Send(task *protocol.Task) error {
	select {
	case <-u.done:
		return errors.New("dispatchertest: unit exited")
	default:
	}
	select {
	case u.tasks <- task:
		return nil
	default:
		return errors.New("dispatchertest: unit busy")
	}
}

func (u *unit) Messages() <-chan *protocol.Message { return u.msgs }

func (u *unit) Done() <-chan struct{} { return u.done }

func (u *unit) Err() error { return u.err }

func (u *unit) PID() int { return u.pid }

func (u *unit) Kill() error {
	u.killOnce.Do(func() { close(u.killed) })
	return nil
}

func (u *unit) Close(grace time.Duration) error {
	u.closeOnce.Do(func() { close(u.tasks) })
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-u.done:
	case <-timer.C:
		_ = u.Kill()
		<-u.done
	}
	return nil
}

// NewPool starts a pool of size in-process units running h and shuts it down when the test ends.
func NewPool(t testingT, h worker.Handler, cfg dispatcher.Config, opts ...dispatcher.Option) *dispatcher.Pool {
	t.Helper()
	pool, err := dispatcher.New(NewSpawner(h), cfg, opts...)
	if err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pool.Shutdown(ctx); err != nil {
			t.Errorf("shutdown pool: %v", err)
		}
	})
	return pool
}

// testingT is the subset of testing.TB NewPool needs.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
	Errorf(format string, args ...any)
	Cleanup(func())
}
