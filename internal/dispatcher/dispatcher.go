package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/readability-server/internal/id/uuid"
	"github.com/JakeFAU/readability-server/internal/protocol"
)

const (
	defaultShutdownGrace    = 10 * time.Second
	defaultStartupTimeout   = 10 * time.Second
	defaultMaxSpawnAttempts = 3
	defaultBackoffInitial   = 250 * time.Millisecond
	defaultBackoffMax       = 5 * time.Second
	defaultDegradedRetry    = 30 * time.Second
	defaultKillTimeout      = 5 * time.Second
	defaultCloseGrace       = 2 * time.Second
)

// Config sizes and tunes a Pool. Zero durations and counts select defaults.
type Config struct {
	// Size is the fixed number of worker slots.
	Size int
	// QueueCapacity bounds the number of queued tasks; 0 means unbounded.
	QueueCapacity int
	// ShutdownGrace bounds how long Shutdown waits for in-flight tasks. Negative means no wait.
	ShutdownGrace time.Duration
	// StartupTimeout bounds a single worker spawn, handshake included.
	StartupTimeout time.Duration
	// MaxSpawnAttempts is how many consecutive spawn failures a slot tolerates before it is
	// marked dead and the pool degraded.
	MaxSpawnAttempts    int
	SpawnBackoffInitial time.Duration
	SpawnBackoffMax     time.Duration
	// DegradedRetry is how often a dead slot tries to come back. Negative disables revival.
	DegradedRetry time.Duration
	// KillTimeout is how long a killed worker may take to exit before its slot is reused anyway.
	KillTimeout time.Duration
	// CloseGrace is how long an idle worker gets to exit on shutdown before it is killed.
	CloseGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.MaxSpawnAttempts <= 0 {
		c.MaxSpawnAttempts = defaultMaxSpawnAttempts
	}
	if c.SpawnBackoffInitial <= 0 {
		c.SpawnBackoffInitial = defaultBackoffInitial
	}
	if c.SpawnBackoffMax <= 0 {
		c.SpawnBackoffMax = defaultBackoffMax
	}
	if c.DegradedRetry == 0 {
		c.DegradedRetry = defaultDegradedRetry
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = defaultKillTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = defaultCloseGrace
	}
	return c
}

// IDGenerator produces task ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver registers lifecycle hooks, typically metrics.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithIDGenerator overrides the UUIDv7 task id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(p *Pool) {
		if g != nil {
			p.ids = g
		}
	}
}

// TaskOptions configures a single submission.
type TaskOptions struct {
	// Timeout is measured from assignment to a worker, not from submission. Zero means none.
	Timeout time.Duration
}

type task struct {
	id         string
	args       []json.RawMessage
	timeout    time.Duration
	enqueuedAt time.Time
	assignedAt time.Time
	future     *Future
}

// slot is a fixed position in the pool. The worker behind it is replaceable; gen identifies the
// current instance so that events from a replaced instance can be recognized and dropped.
type slot struct {
	id            int
	gen           uint64
	state         WorkerState
	unit          Unit
	task          *task
	timer         *time.Timer
	killTimer     *time.Timer
	spawnFailures int
	restartReason string
}

type eventKind int

const (
	evSpawned eventKind = iota
	evMessage
	evExited
	evTimeout
	evKillExpired
	evGraceExpired
)

type event struct {
	kind   eventKind
	slot   int
	gen    uint64
	taskID string
	unit   Unit
	msg    *protocol.Message
	err    error
}

type submitRequest struct {
	task  *task
	reply chan error
}

// Pool dispatches tasks to a fixed set of worker units. All scheduling state is owned by a
// single coordinator goroutine; callers and workers talk to it through channels only.
type Pool struct {
	cfg      Config
	spawner  Spawner
	logger   *zap.Logger
	observer Observer
	ids      IDGenerator

	submits    chan submitRequest
	events     chan event
	shutdownCh chan struct{}
	quit       chan struct{}
	stopped    chan struct{}
	done       chan struct{}
	ready      chan struct{}

	closed       atomic.Bool
	shutdownOnce sync.Once
	stats        atomic.Pointer[Stats]

	// Owned by the coordinator goroutine.
	slots      []*slot
	queue      *taskQueue
	pending    map[string]*task
	closing    bool
	isReady    bool
	restarts   uint64
	completed  uint64
	graceTimer *time.Timer
	lastStats  Stats
}

// New starts a pool of cfg.Size workers created by spawner. It returns immediately; workers
// come up in the background and tasks submitted meanwhile are queued.
func New(spawner Spawner, cfg Config, opts ...Option) (*Pool, error) {
	if spawner == nil {
		return nil, errors.New("dispatcher: spawner is required")
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("dispatcher: pool size must be positive, got %d", cfg.Size)
	}
	if cfg.QueueCapacity < 0 {
		return nil, fmt.Errorf("dispatcher: queue capacity must not be negative, got %d", cfg.QueueCapacity)
	}
	p := &Pool{
		cfg:        cfg.withDefaults(),
		spawner:    spawner,
		logger:     zap.NewNop(),
		observer:   nopObserver{},
		ids:        uuid.NewUUIDGenerator(),
		submits:    make(chan submitRequest),
		events:     make(chan event, cfg.Size*2),
		shutdownCh: make(chan struct{}),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		queue:      newTaskQueue(cfg.QueueCapacity),
		pending:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.slots = make([]*slot, cfg.Size)
	for i := range p.slots {
		p.slots[i] = &slot{id: i, state: StateStarting}
	}
	p.publishStats()

	go p.run()
	return p, nil
}

// Submit queues a task whose arguments are serialized now and forwarded verbatim to the
// handler. The returned Future resolves exactly once. Submit only fails synchronously after
// Shutdown (ErrClosed), when a bounded queue is full (ErrQueueFull), or on unencodable args.
func (p *Pool) Submit(ctx context.Context, opts TaskOptions, args ...any) (*Future, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		raw[i] = b
	}
	id, err := p.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}
	timeout := opts.Timeout
	if timeout < 0 {
		timeout = 0
	}
	t := &task{
		id:         id,
		args:       raw,
		timeout:    timeout,
		enqueuedAt: time.Now(),
		future:     newFuture(id),
	}

	reply := make(chan error, 1)
	select {
	case p.submits <- submitRequest{task: t, reply: reply}:
	case <-p.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("submit task: %w", ctx.Err())
	}
	if err := <-reply; err != nil {
		return nil, err
	}
	return t.future, nil
}

// Shutdown stops accepting tasks, rejects queued tasks with ErrShutdown, waits up to the
// configured grace period for in-flight tasks, then terminates every worker. ctx bounds only
// the caller's wait; the shutdown continues in the background if ctx ends first.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)
	p.shutdownOnce.Do(func() { close(p.shutdownCh) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

// WaitReady blocks until every slot finished its first start attempt cycle. It returns
// ErrNoWorkers when no slot managed to start.
func (p *Pool) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
	if p.Stats().Live() == 0 {
		return ErrNoWorkers
	}
	return nil
}

// Done is closed once Shutdown completed and every worker is gone.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Stats returns the latest snapshot published by the coordinator.
func (p *Pool) Stats() Stats {
	return *p.stats.Load()
}

// Size returns the fixed number of worker slots.
func (p *Pool) Size() int {
	return len(p.slots)
}

func (p *Pool) run() {
	for _, s := range p.slots {
		p.startSlot(s)
	}
	shutdown := p.shutdownCh
	for !p.finished() {
		select {
		case req := <-p.submits:
			p.handleSubmit(req)
		case ev := <-p.events:
			p.handleEvent(ev)
		case <-shutdown:
			shutdown = nil
			p.beginShutdown()
		}
		p.checkReady()
		p.publishStats()
	}
	p.finish()
}

func (p *Pool) handleEvent(ev event) {
	switch ev.kind {
	case evSpawned:
		p.handleSpawned(ev)
	case evMessage:
		p.handleMessage(ev)
	case evExited:
		p.handleExited(ev)
	case evTimeout:
		p.handleTimeout(ev)
	case evKillExpired:
		p.handleKillExpired(ev)
	case evGraceExpired:
		p.expireGrace()
	}
}

func (p *Pool) handleSubmit(req submitRequest) {
	if p.closing {
		req.reply <- ErrClosed
		return
	}
	t := req.task
	if p.cfg.QueueCapacity > 0 && p.queue.Len() >= p.cfg.QueueCapacity && p.idleSlot() == nil {
		req.reply <- ErrQueueFull
		return
	}
	p.pending[t.id] = t
	req.reply <- nil

	if p.noLiveWorkers() {
		p.reject(t, -1, ErrNoWorkers, OutcomeNoWorkers, 0)
		return
	}
	p.queue.Push(t)
	p.dispatch()
}

// dispatch assigns queued tasks, oldest first, to idle workers.
func (p *Pool) dispatch() {
	for p.queue.Len() > 0 {
		s := p.idleSlot()
		if s == nil {
			return
		}
		t, _ := p.queue.Pop()
		p.assign(s, t)
	}
}

func (p *Pool) assign(s *slot, t *task) {
	now := time.Now()
	t.assignedAt = now
	s.state = StateBusy
	s.task = t

	req := &protocol.Task{Protocol: protocol.Version, TaskID: t.id, Args: t.args}
	if t.timeout > 0 {
		deadline := now.Add(t.timeout)
		req.DeadlineAt = &deadline
	}
	p.observer.TaskAssigned(now.Sub(t.enqueuedAt))

	if err := s.unit.Send(req); err != nil {
		p.logger.Warn("send task failed; replacing worker",
			zap.Int("slot", s.id), zap.String("task_id", t.id), zap.Error(err))
		s.task = nil
		s.state = StateTerminating
		s.restartReason = RestartCrash
		p.reject(t, s.id, fmt.Errorf("%w: %v", ErrWorkerCrashed, err), OutcomeCrashed, 0)
		p.terminate(s)
		return
	}
	if t.timeout > 0 {
		slotID, gen, taskID := s.id, s.gen, t.id
		s.timer = time.AfterFunc(t.timeout, func() {
			p.emit(event{kind: evTimeout, slot: slotID, gen: gen, taskID: taskID})
		})
	}
	p.logger.Debug("task assigned", zap.Int("slot", s.id), zap.String("task_id", t.id),
		zap.Duration("waited", now.Sub(t.enqueuedAt)))
}

func (p *Pool) handleMessage(ev event) {
	s := p.slots[ev.slot]
	if ev.gen != s.gen {
		p.logger.Debug("dropping message from replaced worker", zap.Int("slot", s.id), zap.String("task_id", ev.msg.TaskID))
		return
	}
	msg := ev.msg
	if msg.Kind != protocol.KindResult && msg.Kind != protocol.KindFailure {
		p.logger.Warn("unexpected worker message", zap.Int("slot", s.id), zap.String("kind", string(msg.Kind)))
		return
	}
	if s.state != StateBusy || s.task == nil || s.task.id != msg.TaskID {
		p.logger.Warn("dropping outcome for a task the worker does not own",
			zap.Int("slot", s.id), zap.String("state", string(s.state)), zap.String("task_id", msg.TaskID))
		return
	}

	t := s.task
	stopTimer(&s.timer)
	s.task = nil
	s.state = StateIdle
	ran := time.Since(t.assignedAt)

	if msg.Kind == protocol.KindFailure {
		p.reject(t, s.id, &HandlerError{Message: msg.Error}, OutcomeFailed, ran)
	} else {
		res := Result{
			TaskID: t.id,
			Slot:   s.id,
			Value:  msg.Result,
			Waited: t.assignedAt.Sub(t.enqueuedAt),
			Ran:    ran,
		}
		outcome := OutcomeSucceeded
		if res.Empty() {
			outcome = OutcomeEmpty
		}
		p.settle(t, res, nil, outcome, ran)
	}
	p.dispatch()
}

func (p *Pool) handleTimeout(ev event) {
	s := p.slots[ev.slot]
	if ev.gen != s.gen || s.state != StateBusy || s.task == nil || s.task.id != ev.taskID {
		return
	}
	t := s.task
	s.timer = nil
	s.task = nil
	s.state = StateTerminating
	s.restartReason = RestartTimeout
	p.logger.Warn("task timed out; killing worker",
		zap.Int("slot", s.id), zap.String("task_id", t.id), zap.Duration("timeout", t.timeout))
	p.reject(t, s.id, ErrTimeout, OutcomeTimedOut, time.Since(t.assignedAt))
	p.terminate(s)
}

// terminate kills the slot's worker. The replacement starts once the exit is observed, or after
// KillTimeout if the worker never reports its exit.
func (p *Pool) terminate(s *slot) {
	if s.unit != nil {
		if err := s.unit.Kill(); err != nil {
			p.logger.Warn("kill worker failed", zap.Int("slot", s.id), zap.Error(err))
		}
	}
	slotID, gen := s.id, s.gen
	s.killTimer = time.AfterFunc(p.cfg.KillTimeout, func() {
		p.emit(event{kind: evKillExpired, slot: slotID, gen: gen})
	})
}

func (p *Pool) handleKillExpired(ev event) {
	s := p.slots[ev.slot]
	if ev.gen != s.gen || s.state != StateTerminating {
		return
	}
	p.logger.Error("worker did not exit after kill; abandoning it", zap.Int("slot", s.id), zap.Int("pid", unitPID(s.unit)))
	s.killTimer = nil
	s.unit = nil
	if p.closing {
		s.state = StateDead
		return
	}
	p.restart(s, s.restartReason)
}

func (p *Pool) handleExited(ev event) {
	s := p.slots[ev.slot]
	if ev.gen != s.gen {
		return
	}
	stopTimer(&s.timer)
	stopTimer(&s.killTimer)
	s.unit = nil

	var reason string
	switch s.state {
	case StateBusy:
		t := s.task
		s.task = nil
		p.logger.Error("worker crashed while busy",
			zap.Int("slot", s.id), zap.String("task_id", t.id), zap.Error(ev.err))
		p.reject(t, s.id, fmt.Errorf("%w: %s", ErrWorkerCrashed, describeExit(ev.err)), OutcomeCrashed, time.Since(t.assignedAt))
		reason = RestartCrash
	case StateTerminating:
		reason = s.restartReason
	default:
		p.logger.Warn("worker exited while idle", zap.Int("slot", s.id), zap.Error(ev.err))
		reason = RestartIdleExit
	}

	if p.closing {
		s.state = StateDead
		return
	}
	p.restart(s, reason)
}

func (p *Pool) restart(s *slot, reason string) {
	p.restarts++
	p.observer.WorkerRestarted(reason)
	p.logger.Info("replacing worker", zap.Int("slot", s.id), zap.String("reason", reason))
	p.startSlot(s)
}

func (p *Pool) startSlot(s *slot) {
	s.gen++
	s.state = StateStarting
	s.unit = nil
	s.task = nil
	s.restartReason = ""
	p.spawnAsync(s.id, s.gen, 0)
}

func (p *Pool) spawnAsync(slotID int, gen uint64, delay time.Duration) {
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-p.quit:
				p.emit(event{kind: evSpawned, slot: slotID, gen: gen, err: ErrShutdown})
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.StartupTimeout)
		unit, err := p.spawner.Spawn(ctx, slotID)
		cancel()
		if err == nil && unit == nil {
			err = &StartupError{Slot: slotID, Reason: "spawner returned no worker"}
		}
		if !p.emit(event{kind: evSpawned, slot: slotID, gen: gen, unit: unit, err: err}) && unit != nil {
			p.discard(unit)
		}
	}()
}

func (p *Pool) handleSpawned(ev event) {
	s := p.slots[ev.slot]
	if ev.gen != s.gen {
		if ev.unit != nil {
			go p.discard(ev.unit)
		}
		return
	}
	if ev.err != nil {
		p.handleSpawnFailure(s, ev.err)
		return
	}

	revived := s.state == StateDead
	s.spawnFailures = 0
	s.unit = ev.unit
	s.state = StateIdle
	go p.pump(s.id, s.gen, ev.unit)

	if revived {
		p.logger.Info("worker slot recovered", zap.Int("slot", s.id))
	}
	p.logger.Debug("worker started", zap.Int("slot", s.id), zap.Int("pid", ev.unit.PID()))
	if !p.closing {
		p.dispatch()
	}
}

func (p *Pool) handleSpawnFailure(s *slot, err error) {
	s.spawnFailures++
	if p.closing {
		s.state = StateDead
		return
	}
	if s.spawnFailures < p.cfg.MaxSpawnAttempts {
		delay := spawnBackoff(s.spawnFailures, p.cfg.SpawnBackoffInitial, p.cfg.SpawnBackoffMax)
		p.logger.Warn("worker failed to start; retrying",
			zap.Int("slot", s.id), zap.Int("attempt", s.spawnFailures), zap.Duration("backoff", delay), zap.Error(err))
		s.state = StateStarting
		p.restarts++
		p.observer.WorkerRestarted(RestartSpawnFail)
		p.spawnAsync(s.id, s.gen, delay)
		return
	}

	if s.state != StateDead {
		p.logger.Error("worker slot is dead; pool degraded",
			zap.Int("slot", s.id), zap.Int("attempts", s.spawnFailures), zap.Error(err))
	}
	s.state = StateDead
	if p.cfg.DegradedRetry > 0 {
		p.spawnAsync(s.id, s.gen, p.cfg.DegradedRetry)
	}
	if p.noLiveWorkers() {
		for _, t := range p.queue.Drain() {
			p.reject(t, -1, ErrNoWorkers, OutcomeNoWorkers, 0)
		}
	}
}

// pump forwards a unit's messages and its exit to the coordinator.
func (p *Pool) pump(slotID int, gen uint64, u Unit) {
	for {
		select {
		case msg := <-u.Messages():
			p.emit(event{kind: evMessage, slot: slotID, gen: gen, msg: msg})
		case <-u.Done():
			for {
				select {
				case msg := <-u.Messages():
					p.emit(event{kind: evMessage, slot: slotID, gen: gen, msg: msg})
				default:
					p.emit(event{kind: evExited, slot: slotID, gen: gen, err: u.Err()})
					return
				}
			}
		}
	}
}

// emit hands an event to the coordinator. It reports false once the coordinator has stopped.
func (p *Pool) emit(ev event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.stopped:
		return false
	}
}

func (p *Pool) beginShutdown() {
	p.closing = true
	close(p.quit)
	queued := p.queue.Drain()
	p.logger.Info("pool shutting down", zap.Int("queued_rejected", len(queued)), zap.Int("in_flight", p.count(StateBusy)))
	for _, t := range queued {
		p.reject(t, -1, ErrShutdown, OutcomeShutdown, 0)
	}
	if p.count(StateBusy) == 0 {
		return
	}
	if p.cfg.ShutdownGrace < 0 {
		p.expireGrace()
		return
	}
	p.graceTimer = time.AfterFunc(p.cfg.ShutdownGrace, func() {
		p.emit(event{kind: evGraceExpired})
	})
}

func (p *Pool) expireGrace() {
	for _, s := range p.slots {
		if s.state != StateBusy {
			continue
		}
		t := s.task
		stopTimer(&s.timer)
		s.task = nil
		s.state = StateTerminating
		p.logger.Warn("shutdown grace expired; killing busy worker", zap.Int("slot", s.id), zap.String("task_id", t.id))
		p.reject(t, s.id, ErrShutdown, OutcomeShutdown, time.Since(t.assignedAt))
		if s.unit != nil {
			if err := s.unit.Kill(); err != nil {
				p.logger.Warn("kill worker failed", zap.Int("slot", s.id), zap.Error(err))
			}
		}
	}
}

func (p *Pool) finished() bool {
	return p.closing && p.count(StateBusy) == 0 && p.count(StateStarting) == 0
}

func (p *Pool) finish() {
	close(p.stopped)
	stopTimer(&p.graceTimer)
	p.checkReady()

	var wg sync.WaitGroup
	for _, s := range p.slots {
		stopTimer(&s.timer)
		stopTimer(&s.killTimer)
		u := s.unit
		kill := s.state == StateTerminating
		s.unit = nil
		s.state = StateDead
		if u == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if kill {
				_ = u.Kill()
			}
			if err := u.Close(p.cfg.CloseGrace); err != nil {
				p.logger.Warn("close worker failed", zap.Int("pid", u.PID()), zap.Error(err))
			}
		}()
	}
	p.publishStats()
	wg.Wait()
	p.logger.Info("pool stopped", zap.Uint64("completed", p.completed), zap.Uint64("restarts", p.restarts))
	close(p.done)
}

func (p *Pool) discard(u Unit) {
	go func() {
		for {
			select {
			case <-u.Messages():
			case <-u.Done():
				return
			}
		}
	}()
	_ = u.Kill()
	if err := u.Close(p.cfg.CloseGrace); err != nil {
		p.logger.Warn("discard worker failed", zap.Int("pid", u.PID()), zap.Error(err))
	}
}

func (p *Pool) settle(t *task, res Result, err error, outcome Outcome, ran time.Duration) {
	delete(p.pending, t.id)
	if t.future.Resolved() {
		p.logger.Error("task outcome delivered twice", zap.String("task_id", t.id))
		return
	}
	p.completed++
	p.observer.TaskFinished(outcome, ran)
	t.future.settle(res, err)
}

func (p *Pool) reject(t *task, slotID int, err error, outcome Outcome, ran time.Duration) {
	p.settle(t, Result{}, &TaskError{TaskID: t.id, Slot: slotID, Err: err}, outcome, ran)
}

func (p *Pool) idleSlot() *slot {
	for _, s := range p.slots {
		if s.state == StateIdle {
			return s
		}
	}
	return nil
}

func (p *Pool) count(state WorkerState) int {
	n := 0
	for _, s := range p.slots {
		if s.state == state {
			n++
		}
	}
	return n
}

func (p *Pool) noLiveWorkers() bool {
	return p.count(StateDead) == len(p.slots)
}

func (p *Pool) checkReady() {
	if p.isReady {
		return
	}
	if p.count(StateStarting) == 0 || p.closing {
		p.isReady = true
		close(p.ready)
	}
}

func (p *Pool) publishStats() {
	st := Stats{
		Size:        len(p.slots),
		Starting:    p.count(StateStarting),
		Idle:        p.count(StateIdle),
		Busy:        p.count(StateBusy),
		Terminating: p.count(StateTerminating),
		Dead:        p.count(StateDead),
		Queued:      p.queue.Len(),
		Pending:     len(p.pending),
		Restarts:    p.restarts,
		Completed:   p.completed,
		Closed:      p.closing,
	}
	st.Degraded = st.Dead > 0 && !st.Closed
	p.stats.Store(&st)
	if st != p.lastStats {
		p.lastStats = st
		p.observer.StatsChanged(st)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func unitPID(u Unit) int {
	if u == nil {
		return 0
	}
	return u.PID()
}

func describeExit(err error) string {
	if err == nil {
		return "worker exited unexpectedly"
	}
	return err.Error()
}
