package metrics

import (
	"time"

	"github.com/JakeFAU/readability-server/internal/dispatcher"
)

// PoolObserver feeds dispatcher lifecycle events into the pool collectors.
type PoolObserver struct{}

// NewPoolObserver initializes the collectors and returns an observer.
func NewPoolObserver() *PoolObserver {
	Init()
	return &PoolObserver{}
}

// TaskAssigned records how long a task waited for a worker.
func (PoolObserver) TaskAssigned(waited time.Duration) {
	poolQueueWaitSeconds.Observe(waited.Seconds())
}

// TaskFinished counts a resolved task and its run time.
func (PoolObserver) TaskFinished(outcome dispatcher.Outcome, ran time.Duration) {
	poolTasksTotal.WithLabelValues(string(outcome)).Inc()
	if ran > 0 {
		poolTaskDurationSeconds.WithLabelValues(string(outcome)).Observe(ran.Seconds())
	}
}

// WorkerRestarted counts a worker replacement.
func (PoolObserver) WorkerRestarted(reason string) {
	poolWorkerRestartsTotal.WithLabelValues(reason).Inc()
}

// StatsChanged mirrors the pool snapshot into gauges.
func (PoolObserver) StatsChanged(st dispatcher.Stats) {
	poolQueueDepth.Set(float64(st.Queued))
	poolPendingTasks.Set(float64(st.Pending))
	poolWorkers.WithLabelValues(string(dispatcher.StateStarting)).Set(float64(st.Starting))
	poolWorkers.WithLabelValues(string(dispatcher.StateIdle)).Set(float64(st.Idle))
	poolWorkers.WithLabelValues(string(dispatcher.StateBusy)).Set(float64(st.Busy))
	poolWorkers.WithLabelValues(string(dispatcher.StateTerminating)).Set(float64(st.Terminating))
	poolWorkers.WithLabelValues(string(dispatcher.StateDead)).Set(float64(st.Dead))
}

var _ dispatcher.Observer = PoolObserver{}
