package pool

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateRequest = errors.New("request is already in flight")
	ErrBackpressure     = errors.New("pending queue is full")
)

// WorkerBusyError is returned when a worker polls again before reporting its current invocation.
type WorkerBusyError struct {
	WorkerID  string
	RequestID string
}

func (e *WorkerBusyError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("worker %s is already polling", e.WorkerID)
	}
	return fmt.Sprintf("worker %s has not reported request %s", e.WorkerID, e.RequestID)
}

// WorkerDrainedError is returned to a worker whose process was drained.
type WorkerDrainedError struct {
	WorkerID string
}

func (e *WorkerDrainedError) Error() string {
	return fmt.Sprintf("worker %s was drained", e.WorkerID)
}

// WorkerNotFoundError is returned for operations on a worker the pool never saw.
type WorkerNotFoundError struct {
	WorkerID string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker %s not found", e.WorkerID)
}
