package dispatcher

import "fmt"

// SpawnError is returned when no worker process could be started for a function.
type SpawnError struct {
	FunctionID string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("could not spawn worker for function ID: %s, error: %v", e.FunctionID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// FunctionNotFoundError is returned for functions that were never invoked.
type FunctionNotFoundError struct {
	FunctionID string
}

func (e *FunctionNotFoundError) Error() string {
	return fmt.Sprintf("function not found for function ID: %s", e.FunctionID)
}
