package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/readability-server/internal/protocol"
)

var errKilled = errors.New("signal: killed")

// fakeSpawner starts in-memory units that behave according to the first task argument:
//
//	"sleep", ms  finish after ms milliseconds
//	"null"       finish with no result
//	"fail"       report a handler failure
//	"crash"      exit without answering
//	"hang"       never answer until killed
//	"stubborn"   answer only after being killed, then exit
type fakeSpawner struct {
	failFirst int32
	failAll   atomic.Bool

	spawnCalls atomic.Int32
	nextPID    atomic.Int32
	running    atomic.Int32
	maxRunning atomic.Int32

	mu    sync.Mutex
	units []*fakeUnit
	sent  []string
}

func (s *fakeSpawner) Spawn(_ context.Context, slot int) (Unit, error) {
	n := s.spawnCalls.Add(1)
	if s.failAll.Load() || n <= s.failFirst {
		return nil, &StartupError{Slot: slot, Reason: "handler failed to load"}
	}
	u := &fakeUnit{
		spawner: s,
		pid:     int(s.nextPID.Add(1)),
		tasks:   make(chan *protocol.Task, 1),
		msgs:    make(chan *protocol.Message),
		killed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.units = append(s.units, u)
	s.mu.Unlock()
	go u.run()
	return u, nil
}

func (s *fakeSpawner) sentOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSpawner) unit(i int) *fakeUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units[i]
}

func (s *fakeSpawner) enter() {
	cur := s.running.Add(1)
	for {
		prev := s.maxRunning.Load()
		if cur <= prev || s.maxRunning.CompareAndSwap(prev, cur) {
			return
		}
	}
}

type fakeUnit struct {
	spawner *fakeSpawner
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

func (u *fakeUnit) run() {
	for {
		select {
		case t, ok := <-u.tasks:
			if !ok {
				u.exit(nil)
				return
			}
			if !u.handle(t) {
				return
			}
		case <-u.killed:
			u.exit(errKilled)
			return
		}
	}
}

func (u *fakeUnit) handle(t *protocol.Task) bool {
	var mode string
	if err := json.Unmarshal(t.Args[0], &mode); err != nil {
		panic(err)
	}
	u.spawner.enter()
	left := func() { u.spawner.running.Add(-1) }

	switch mode {
	case "sleep":
		var ms int
		if err := json.Unmarshal(t.Args[1], &ms); err != nil {
			panic(err)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-u.killed:
			left()
			u.exit(errKilled)
			return false
		}
		left()
		return u.reply(result(t.TaskID))
	case "null":
		left()
		return u.reply(&protocol.Message{Protocol: protocol.Version, Kind: protocol.KindResult, TaskID: t.TaskID, Result: json.RawMessage("null")})
	case "fail":
		left()
		return u.reply(&protocol.Message{Protocol: protocol.Version, Kind: protocol.KindFailure, TaskID: t.TaskID, Error: "boom"})
	case "crash":
		left()
		u.exit(errors.New("exit status 3"))
		return false
	case "stubborn":
		<-u.killed
		left()
		u.msgs <- result(t.TaskID)
		u.exit(errKilled)
		return false
	default: // hang
		<-u.killed
		left()
		u.exit(errKilled)
		return false
	}
}

func (u *fakeUnit) reply(msg *protocol.Message) bool {
	select {
	case u.msgs <- msg:
		return true
	case <-u.killed:
		u.exit(errKilled)
		return false
	}
}

func (u *fakeUnit) exit(err error) {
	u.exitOnce.Do(func() {
		u.err = err
		close(u.done)
	})
}

func (u *fakeUnit) Send(t *protocol.Task) error {
	select {
	case <-u.done:
		return errors.New("worker exited")
	default:
	}
	u.spawner.mu.Lock()
	u.spawner.sent = append(u.spawner.sent, t.TaskID)
	u.spawner.mu.Unlock()
	select {
	case u.tasks <- t:
		return nil
	default:
		return errors.New("worker busy")
	}
}

func (u *fakeUnit) Messages() <-chan *protocol.Message { return u.msgs }
func (u *fakeUnit) Done() <-chan struct{}              { return u.done }
func (u *fakeUnit) Err() error                         { return u.err }
func (u *fakeUnit) PID() int                           { return u.pid }

func (u *fakeUnit) Kill() error {
	u.killOnce.Do(func() { close(u.killed) })
	return nil
}

func (u *fakeUnit) Close(grace time.Duration) error {
	u.closeOnce.Do(func() { close(u.tasks) })
	select {
	case <-u.done:
	case <-time.After(grace):
		_ = u.Kill()
		<-u.done
	}
	return nil
}

func result(taskID string) *protocol.Message {
	value, _ := json.Marshal(map[string]string{"task": taskID})
	return &protocol.Message{Protocol: protocol.Version, Kind: protocol.KindResult, TaskID: taskID, Result: value}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[Outcome]int
	restarts map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{outcomes: map[Outcome]int{}, restarts: map[string]int{}}
}

func (o *recordingObserver) TaskAssigned(time.Duration) {}
func (o *recordingObserver) StatsChanged(Stats)         {}

func (o *recordingObserver) TaskFinished(outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *recordingObserver) WorkerRestarted(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restarts[reason]++
}

func (o *recordingObserver) outcome(out Outcome) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.outcomes[out]
}

func (o *recordingObserver) restart(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.restarts[reason]
}

func newTestPool(t *testing.T, sp Spawner, cfg Config, opts ...Option) *Pool {
	t.Helper()
	if cfg.SpawnBackoffInitial == 0 {
		cfg.SpawnBackoffInitial = time.Millisecond
		cfg.SpawnBackoffMax = 5 * time.Millisecond
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 200 * time.Millisecond
	}
	p, err := New(sp, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Shutdown(ctx))
	})
	return p
}

func waitReady(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.WaitReady(ctx))
}

func submit(t *testing.T, p *Pool, timeout time.Duration, args ...any) *Future {
	t.Helper()
	fut, err := p.Submit(context.Background(), TaskOptions{Timeout: timeout}, args...)
	require.NoError(t, err)
	return fut
}

func await(t *testing.T, fut *Future) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fut.Await(ctx)
}

func requireOwnResult(t *testing.T, fut *Future) {
	t.Helper()
	res, err := await(t, fut)
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, res.Decode(&got))
	require.Equal(t, fut.ID(), got["task"])
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Size: 1})
	require.Error(t, err)

	_, err = New(&fakeSpawner{}, Config{Size: 0})
	require.ErrorContains(t, err, "pool size must be positive")

	_, err = New(&fakeSpawner{}, Config{Size: 1, QueueCapacity: -1})
	require.ErrorContains(t, err, "queue capacity")
}

func TestPoolRunsAtMostSizeTasksAtOnce(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{Size: 3})
	waitReady(t, p)

	futures := make([]*Future, 12)
	for i := range futures {
		futures[i] = submit(t, p, 0, "sleep", 20)
	}
	for _, fut := range futures {
		requireOwnResult(t, fut)
	}

	require.LessOrEqual(t, sp.maxRunning.Load(), int32(3))
	require.Equal(t, int32(3), sp.spawnCalls.Load())
}

func TestPoolAssignsTasksInSubmissionOrder(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{Size: 1})
	waitReady(t, p)

	var ids []string
	var futures []*Future
	for range 6 {
		fut := submit(t, p, 0, "sleep", 5)
		ids = append(ids, fut.ID())
		futures = append(futures, fut)
	}
	for _, fut := range futures {
		requireOwnResult(t, fut)
	}
	require.Equal(t, ids, sp.sentOrder())
}

func TestPoolTimeoutKillsAndReplacesWorker(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	obs := newRecordingObserver()
	p := newTestPool(t, sp, Config{Size: 1}, WithObserver(obs))
	waitReady(t, p)

	start := time.Now()
	_, err := await(t, submit(t, p, 50*time.Millisecond, "hang"))
	require.ErrorIs(t, err, ErrTimeout)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, 0, taskErr.Slot)
	require.Less(t, time.Since(start), time.Second)

	requireOwnResult(t, submit(t, p, 0, "sleep", 1))
	require.Equal(t, int32(2), sp.spawnCalls.Load())
	require.Equal(t, 1, obs.restart(RestartTimeout))
	require.Equal(t, 1, obs.outcome(OutcomeTimedOut))
}

func TestPoolTimeoutStartsAtAssignment(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeSpawner{}, Config{Size: 1})
	waitReady(t, p)

	first := submit(t, p, 0, "sleep", 120)
	// Queued behind first for longer than its own timeout, but runs well within it.
	second := submit(t, p, 80*time.Millisecond, "sleep", 10)

	requireOwnResult(t, first)
	requireOwnResult(t, second)
}

func TestPoolCrashOnlyFailsItsOwnTask(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	obs := newRecordingObserver()
	p := newTestPool(t, sp, Config{Size: 2}, WithObserver(obs))
	waitReady(t, p)

	slow := submit(t, p, 0, "sleep", 80)
	crash := submit(t, p, 0, "crash")

	_, err := await(t, crash)
	require.ErrorIs(t, err, ErrWorkerCrashed)
	require.ErrorContains(t, err, "exit status 3")
	requireOwnResult(t, slow)

	requireOwnResult(t, submit(t, p, 0, "sleep", 1))
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Idle == 2 && st.Restarts == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, obs.restart(RestartCrash))
}

func TestPoolDistinguishesEmptyResultFromFailure(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	obs := newRecordingObserver()
	p := newTestPool(t, sp, Config{Size: 1}, WithObserver(obs))
	waitReady(t, p)

	res, err := await(t, submit(t, p, 0, "null"))
	require.NoError(t, err)
	require.True(t, res.Empty())
	require.ErrorIs(t, res.Decode(&struct{}{}), ErrNoResult)

	_, err = await(t, submit(t, p, 0, "fail"))
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.Equal(t, "boom", handlerErr.Message)

	// Neither outcome costs the worker.
	requireOwnResult(t, submit(t, p, 0, "sleep", 1))
	require.Equal(t, int32(1), sp.spawnCalls.Load())
	require.Equal(t, 1, obs.outcome(OutcomeEmpty))
	require.Equal(t, 1, obs.outcome(OutcomeFailed))
	require.Equal(t, 1, obs.outcome(OutcomeSucceeded))
}

func TestPoolBoundedQueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeSpawner{}, Config{Size: 1, QueueCapacity: 1, ShutdownGrace: 20 * time.Millisecond})
	waitReady(t, p)

	running := submit(t, p, 0, "hang")
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)
	queued := submit(t, p, 0, "sleep", 1)

	_, err := p.Submit(context.Background(), TaskOptions{}, "sleep", 1)
	require.ErrorIs(t, err, ErrQueueFull)

	require.Equal(t, 1, p.Stats().Queued)
	require.False(t, running.Resolved())
	require.False(t, queued.Resolved())
}

func TestPoolShutdownRejectsQueuedAndWaitsForInFlight(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeSpawner{}, Config{Size: 1, ShutdownGrace: 2 * time.Second})
	waitReady(t, p)

	inFlight := submit(t, p, 0, "sleep", 100)
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)
	queued := submit(t, p, 0, "sleep", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	requireOwnResult(t, inFlight)
	_, err := await(t, queued)
	require.ErrorIs(t, err, ErrShutdown)

	_, err = p.Submit(context.Background(), TaskOptions{}, "sleep", 1)
	require.ErrorIs(t, err, ErrClosed)

	st := p.Stats()
	require.True(t, st.Closed)
	require.Equal(t, 0, st.Pending)
	require.Equal(t, st.Size, st.Dead)
}

func TestPoolShutdownGraceExpiryFailsInFlight(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeSpawner{}, Config{Size: 1, ShutdownGrace: 50 * time.Millisecond})
	waitReady(t, p)

	stuck := submit(t, p, 0, "hang")
	require.Eventually(t, func() bool { return p.Stats().Busy == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.Less(t, time.Since(start), 2*time.Second)

	_, err := await(t, stuck)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestPoolDegradesWhenWorkersNeverStart(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	sp.failAll.Store(true)
	p := newTestPool(t, sp, Config{Size: 2, MaxSpawnAttempts: 2, DegradedRetry: -1})

	early := submit(t, p, 0, "sleep", 1)
	_, err := await(t, early)
	require.ErrorIs(t, err, ErrNoWorkers)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorIs(t, p.WaitReady(ctx), ErrNoWorkers)

	_, err = await(t, submit(t, p, 0, "sleep", 1))
	require.ErrorIs(t, err, ErrNoWorkers)

	st := p.Stats()
	require.True(t, st.Degraded)
	require.Equal(t, 2, st.Dead)
	require.Equal(t, 0, st.Live())
	require.Equal(t, int32(4), sp.spawnCalls.Load())
}

func TestPoolRecoversFromTransientSpawnFailure(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{failFirst: 2}
	obs := newRecordingObserver()
	p := newTestPool(t, sp, Config{Size: 1, MaxSpawnAttempts: 3}, WithObserver(obs))

	requireOwnResult(t, submit(t, p, 0, "sleep", 1))
	require.Equal(t, int32(3), sp.spawnCalls.Load())
	require.Equal(t, 2, obs.restart(RestartSpawnFail))
	require.False(t, p.Stats().Degraded)
}

func TestPoolRevivesDeadSlot(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	sp.failAll.Store(true)
	p := newTestPool(t, sp, Config{Size: 1, MaxSpawnAttempts: 1, DegradedRetry: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorIs(t, p.WaitReady(ctx), ErrNoWorkers)

	sp.failAll.Store(false)
	require.Eventually(t, func() bool { return p.Stats().Idle == 1 }, 2*time.Second, 5*time.Millisecond)
	require.False(t, p.Stats().Degraded)
	requireOwnResult(t, submit(t, p, 0, "sleep", 1))
}

func TestPoolIgnoresLateResultFromTimedOutWorker(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	p := newTestPool(t, sp, Config{Size: 1})
	waitReady(t, p)

	late := submit(t, p, 30*time.Millisecond, "stubborn")
	_, err := await(t, late)
	require.ErrorIs(t, err, ErrTimeout)

	requireOwnResult(t, submit(t, p, 0, "sleep", 1))
	require.Equal(t, int32(2), sp.spawnCalls.Load())
}

func TestPoolReplacesWorkerThatExitsWhileIdle(t *testing.T) {
	t.Parallel()

	sp := &fakeSpawner{}
	obs := newRecordingObserver()
	p := newTestPool(t, sp, Config{Size: 1}, WithObserver(obs))
	waitReady(t, p)

	sp.unit(0).exit(errors.New("out of memory"))

	require.Eventually(t, func() bool {
		return sp.spawnCalls.Load() == 2 && p.Stats().Idle == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, obs.restart(RestartIdleExit))
	requireOwnResult(t, submit(t, p, 0, "sleep", 1))
}

func TestFutureAwaitCancellationOnlyAbandonsWait(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeSpawner{}, Config{Size: 1})
	waitReady(t, p)

	fut := submit(t, p, 0, "sleep", 80)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := fut.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	requireOwnResult(t, fut)
}

func TestPoolPendingDrainsAfterCompletion(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeSpawner{}, Config{Size: 4})

	var wg sync.WaitGroup
	for range 20 {
		fut := submit(t, p, 0, "sleep", 2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-fut.Done()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Pending == 0 && st.Queued == 0 && st.Completed == 20
	}, time.Second, time.Millisecond)
}

func TestSubmitRejectsUnencodableArgs(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, &fakeSpawner{}, Config{Size: 1})
	_, err := p.Submit(context.Background(), TaskOptions{}, make(chan int))
	require.ErrorContains(t, err, "encode argument 0")
}
