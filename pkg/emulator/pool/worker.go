package pool

import (
	"encoding/json"
	"fmt"
	"time"
)

type WorkerState int

const (
	// Spawned: process started, no poll seen yet.
	StateSpawned WorkerState = iota
	// Polling: idle between invocations, parked in next or about to be.
	StatePolling
	// Executing: holds a payload it has not reported yet.
	StateExecuting
	// Terminated: process exited or was drained.
	StateTerminated
)

var workerStates = [...]string{"spawned", "polling", "executing", "terminated"}

func (s WorkerState) String() string {
	if int(s) < 0 || int(s) >= len(workerStates) {
		return "unknown"
	}
	return workerStates[s]
}

func (s WorkerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *WorkerState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for i, n := range workerStates {
		if n == name {
			*s = WorkerState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", name)
}

// Worker is the pool's view of one spawned process.
type Worker struct {
	ID         string      `json:"id"`
	FunctionID string      `json:"functionId"`
	State      WorkerState `json:"state"`
	// RequestID is the invocation the worker is executing, empty when idle.
	RequestID string `json:"requestId,omitempty"`
	// SpawnedFor is the request whose enqueue started this worker.
	SpawnedFor string    `json:"spawnedFor,omitempty"`
	Pid        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	// Invocations counts payloads handed to this worker.
	Invocations int `json:"invocations"`
}

func (w *Worker) assign(requestID string) {
	w.State = StateExecuting
	w.RequestID = requestID
	w.Invocations++
}

func (w *Worker) release() {
	if w.State == StateExecuting {
		w.State = StatePolling
	}
	w.RequestID = ""
}
