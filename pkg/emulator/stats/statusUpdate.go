package stats

import (
	"encoding/json"
	"fmt"
	"time"
)

type UpdateType int
type UpdateEvent int
type UpdateStatus int

const (
	TypeFunction UpdateType = iota
	TypeWorker
	TypeInvocation
	TypeLog
)

const (
	EventBuild UpdateEvent = iota
	EventSpawn
	EventExit
	EventInvoke
	EventDispatch
	EventResponse
	EventTimeout
	EventDrain
	EventBackpressure
	EventStdout
	EventStderr
)

const (
	StatusSuccess UpdateStatus = iota
	StatusFailed
)

var (
	typeNames   = [...]string{"function", "worker", "invocation", "log"}
	eventNames  = [...]string{"build", "spawn", "exit", "invoke", "dispatch", "response", "timeout", "drain", "backpressure", "stdout", "stderr"}
	statusNames = [...]string{"success", "failed"}
)

func (t UpdateType) String() string   { return typeNames[t] }
func (e UpdateEvent) String() string  { return eventNames[e] }
func (s UpdateStatus) String() string { return statusNames[s] }

func (t UpdateType) MarshalJSON() ([]byte, error)   { return json.Marshal(t.String()) }
func (e UpdateEvent) MarshalJSON() ([]byte, error)  { return json.Marshal(e.String()) }
func (s UpdateStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (t *UpdateType) UnmarshalJSON(b []byte) error {
	i, err := parseName(b, typeNames[:])
	*t = UpdateType(i)
	return err
}

func (e *UpdateEvent) UnmarshalJSON(b []byte) error {
	i, err := parseName(b, eventNames[:])
	*e = UpdateEvent(i)
	return err
}

func (s *UpdateStatus) UnmarshalJSON(b []byte) error {
	i, err := parseName(b, statusNames[:])
	*s = UpdateStatus(i)
	return err
}

func parseName(b []byte, names []string) (int, error) {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return 0, err
	}
	for i, n := range names {
		if n == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown value %q", name)
}

type StatusUpdate struct {
	FunctionID string       `json:"functionId"`
	WorkerID   string       `json:"workerId,omitempty"`
	RequestID  string       `json:"requestId,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	Type       UpdateType   `json:"type"`
	Event      UpdateEvent  `json:"event"`
	Status     UpdateStatus `json:"status"`
	// Message carries a log line or an error description.
	Message string   `json:"message,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func Event() *StatusUpdate {
	return &StatusUpdate{Timestamp: time.Now().UTC()}
}

func (su *StatusUpdate) Function(functionID string) *StatusUpdate {
	su.FunctionID = functionID
	if su.Type < TypeWorker {
		su.Type = TypeFunction
	}
	return su
}

func (su *StatusUpdate) Worker(workerID string) *StatusUpdate {
	su.WorkerID = workerID
	if su.Type < TypeWorker {
		su.Type = TypeWorker
	}
	return su
}

func (su *StatusUpdate) Request(requestID string) *StatusUpdate {
	su.RequestID = requestID
	if requestID != "" && su.Type < TypeInvocation {
		su.Type = TypeInvocation
	}
	return su
}

func (su *StatusUpdate) Build(errs []string) *StatusUpdate {
	su.Event = EventBuild
	su.Errors = errs
	if len(errs) > 0 {
		su.Status = StatusFailed
	}
	return su
}

func (su *StatusUpdate) Spawn() *StatusUpdate {
	su.Event = EventSpawn
	return su
}

func (su *StatusUpdate) Exit() *StatusUpdate {
	su.Event = EventExit
	return su
}

func (su *StatusUpdate) Invoke() *StatusUpdate {
	su.Event = EventInvoke
	return su
}

func (su *StatusUpdate) Dispatch() *StatusUpdate {
	su.Event = EventDispatch
	return su
}

func (su *StatusUpdate) Response() *StatusUpdate {
	su.Event = EventResponse
	return su
}

func (su *StatusUpdate) Timeout() *StatusUpdate {
	su.Event = EventTimeout
	su.Status = StatusFailed
	return su
}

func (su *StatusUpdate) Drain() *StatusUpdate {
	su.Event = EventDrain
	return su
}

func (su *StatusUpdate) Backpressure() *StatusUpdate {
	su.Event = EventBackpressure
	return su
}

func (su *StatusUpdate) Stdout(line string) *StatusUpdate {
	su.Event = EventStdout
	su.Type = TypeLog
	su.Message = line
	return su
}

func (su *StatusUpdate) Stderr(line string) *StatusUpdate {
	su.Event = EventStderr
	su.Type = TypeLog
	su.Message = line
	return su
}

func (su *StatusUpdate) WithMessage(msg string) *StatusUpdate {
	su.Message = msg
	return su
}

func (su *StatusUpdate) Success() *StatusUpdate {
	su.Status = StatusSuccess
	return su
}

func (su *StatusUpdate) Failed() *StatusUpdate {
	su.Status = StatusFailed
	return su
}
