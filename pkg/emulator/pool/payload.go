package pool

import (
	"encoding/json"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
)

// Payload is one invocation as handed to a worker.
type Payload struct {
	Event   json.RawMessage `json:"event"`
	Context Context         `json:"context"`
}

// Context is the invocation metadata a worker receives through the next headers.
type Context struct {
	RequestID          string                         `json:"requestId"`
	DeadlineEpochMs    int64                          `json:"deadlineEpochMs"`
	FunctionName       string                         `json:"functionName"`
	MemoryLimitMB      int                            `json:"memoryLimitMb"`
	InvokedFunctionArn string                         `json:"invokedFunctionArn"`
	Identity           *lambdacontext.CognitoIdentity `json:"identity,omitempty"`
	ClientContext      *lambdacontext.ClientContext   `json:"clientContext,omitempty"`
	LogGroupName       string                         `json:"logGroupName,omitempty"`
	LogStreamName      string                         `json:"logStreamName,omitempty"`
}

// Deadline converts DeadlineEpochMs to a time.
func (c Context) Deadline() time.Time {
	return time.UnixMilli(c.DeadlineEpochMs)
}

type ResponseType string

const (
	ResponseSuccess ResponseType = "success"
	ResponseFailure ResponseType = "failure"
	ResponseTimeout ResponseType = "timeout"
)

// Error types produced by the emulator itself. Worker reported failures carry
// whatever errorType the function runtime sent.
const (
	ErrorTypeBuildFailure     = "build_failure"
	ErrorTypeInitError        = "Runtime.InitError"
	ErrorTypeUnknown          = "Runtime.Unknown"
	ErrorTypeProcessCrash     = "process_crash"
	ErrorTypeDrained          = "drained"
	ErrorTypeSpawnFailure     = "spawn_failure"
	ErrorTypeBackpressure     = "backpressure"
	ErrorTypeDuplicateRequest = "duplicate_request"
)

// Response is the outcome of an invocation.
type Response struct {
	Type  ResponseType    `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is the body of a failure, in the shape runtimes post it.
type ErrorPayload struct {
	ErrorType    string   `json:"errorType"`
	ErrorMessage string   `json:"errorMessage"`
	Trace        []string `json:"trace,omitempty"`
}

func Success(data json.RawMessage) Response {
	return Response{Type: ResponseSuccess, Data: data}
}

func Failure(errorType, message string, trace []string) Response {
	return Response{Type: ResponseFailure, Error: &ErrorPayload{ErrorType: errorType, ErrorMessage: message, Trace: trace}}
}

func Timeout() Response {
	return Response{Type: ResponseTimeout}
}
