package dispatcher

import "time"

// Outcome classifies how a task ended.
type Outcome string

// Task outcomes reported to the Observer.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeEmpty     Outcome = "empty"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCrashed   Outcome = "crashed"
	OutcomeShutdown  Outcome = "shutdown"
	OutcomeNoWorkers Outcome = "no_workers"
)

// Restart reasons reported to the Observer.
const (
	RestartTimeout   = "timeout"
	RestartCrash     = "crash"
	RestartIdleExit  = "idle_exit"
	RestartSpawnFail = "spawn_failure"
)

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Size        int    `json:"size"`
	Starting    int    `json:"starting"`
	Idle        int    `json:"idle"`
	Busy        int    `json:"busy"`
	Terminating int    `json:"terminating"`
	Dead        int    `json:"dead"`
	Queued      int    `json:"queued"`
	Pending     int    `json:"pending"`
	Restarts    uint64 `json:"restarts"`
	Completed   uint64 `json:"completed"`
	Degraded    bool   `json:"degraded"`
	Closed      bool   `json:"closed"`
}

// Live returns the number of slots that have or are about to have a running worker.
func (s Stats) Live() int {
	return s.Starting + s.Idle + s.Busy + s.Terminating
}

// Observer receives pool lifecycle notifications. Methods are called from the coordinator
// goroutine and must not block.
type Observer interface {
	TaskAssigned(waited time.Duration)
	TaskFinished(outcome Outcome, ran time.Duration)
	WorkerRestarted(reason string)
	StatsChanged(stats Stats)
}

type nopObserver struct{}

func (nopObserver) TaskAssigned(time.Duration)          {}
func (nopObserver) TaskFinished(Outcome, time.Duration) {}
func (nopObserver) WorkerRestarted(string)              {}
func (nopObserver) StatsChanged(Stats)                  {}
