// Package functionRuntimeInterface is the worker side of the runtime API.
// A function binary calls Ready with its handler and serves invocations until
// the emulator drains it.
package functionRuntimeInterface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
)

const apiVersion = "2018-06-01"

var (
	// ErrDrained is returned by Next once the worker has been drained.
	ErrDrained = errors.New("worker was drained")
	// ErrBusy is returned by Next while the previous invocation is unreported.
	ErrBusy = errors.New("previous invocation has not been reported")
	// ErrUnknownWorker is returned by Next when the emulator never spawned this worker.
	ErrUnknownWorker = errors.New("worker is not known to the emulator")
)

type handler func(context.Context, *Request) (*Response, error)

type Request struct {
	Data               []byte
	Id                 string
	Deadline           time.Time
	InvokedFunctionArn string
	Identity           lambdacontext.CognitoIdentity
	ClientContext      lambdacontext.ClientContext
}

type Response struct {
	Data []byte
}

// ErrorPayload is posted for failed invocations and init errors.
type ErrorPayload struct {
	ErrorType    string   `json:"errorType"`
	ErrorMessage string   `json:"errorMessage"`
	Trace        []string `json:"trace,omitempty"`
}

type Function struct {
	settings runtimeSettings
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
}

// New reads the runtime API address from the environment. Logs go to stderr,
// which the emulator forwards.
func New() (*Function, error) {
	settings, err := loadRuntimeSettings()
	if err != nil {
		return nil, err
	}
	return newFunction(settings, slog.New(slog.NewTextHandler(os.Stderr, nil))), nil
}

// NewWithAddress talks to api, given as host:port/{workerId}/{functionId}.
func NewWithAddress(api string, logger *slog.Logger) *Function {
	return newFunction(parseRuntimeAPI(api), logger)
}

func newFunction(settings runtimeSettings, logger *slog.Logger) *Function {
	return &Function{
		settings: settings,
		baseURL:  "http://" + settings.runtimeAPI + "/" + apiVersion + "/runtime",
		client:   &http.Client{},
		logger:   logger.With("worker ID", settings.workerID, "function ID", settings.functionID),
	}
}

// Ready serves invocations until the worker is drained and exits the process
// on any other error.
func (f *Function) Ready(handler handler) {
	if err := f.Serve(context.Background(), handler); err != nil {
		f.logger.Error("Runtime loop failed", "error", err)
		os.Exit(1)
	}
}

// Serve polls for invocations and reports the handler's result for each.
// It returns nil once the worker is drained or ctx ends.
func (f *Function) Serve(ctx context.Context, handler handler) error {
	for {
		req, err := f.Next(ctx)
		if errors.Is(err, ErrDrained) || ctx.Err() != nil {
			f.logger.Debug("Runtime loop stopped", "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		f.logger.Debug("Received request", "request ID", req.Id)

		resp, herr := f.invoke(ctx, handler, req)
		if herr != nil {
			if err := f.Fail(ctx, req.Id, herr); err != nil {
				return err
			}
			continue
		}
		var data []byte
		if resp != nil {
			data = resp.Data
		}
		if err := f.Respond(ctx, req.Id, data); err != nil {
			return err
		}
	}
}

func (f *Function) invoke(ctx context.Context, handler handler, req *Request) (*Response, error) {
	lc := &lambdacontext.LambdaContext{
		AwsRequestID:       req.Id,
		InvokedFunctionArn: req.InvokedFunctionArn,
		Identity:           req.Identity,
		ClientContext:      req.ClientContext,
	}
	ctx = lambdacontext.NewContext(ctx, lc)
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	return handler(ctx, req)
}

// Next blocks until the emulator hands this worker an invocation.
func (f *Function) Next(ctx context.Context) (*Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/invocation/next", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to poll next invocation: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusGone:
		return nil, ErrDrained
	case http.StatusConflict:
		return nil, ErrBusy
	case http.StatusNotFound:
		return nil, ErrUnknownWorker
	default:
		return nil, unexpectedStatus(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read next invocation: %w", err)
	}
	req := &Request{
		Data:               body,
		Id:                 resp.Header.Get("Lambda-Runtime-Aws-Request-Id"),
		InvokedFunctionArn: resp.Header.Get("Lambda-Runtime-Invoked-Function-Arn"),
	}
	if ms, err := strconv.ParseInt(resp.Header.Get("Lambda-Runtime-Deadline-Ms"), 10, 64); err == nil && ms > 0 {
		req.Deadline = time.UnixMilli(ms)
	}
	if v := resp.Header.Get("Lambda-Runtime-Cognito-Identity"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Identity); err != nil {
			f.logger.Warn("Ignoring malformed cognito identity", "request ID", req.Id, "error", err)
		}
	}
	if v := resp.Header.Get("Lambda-Runtime-Client-Context"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.ClientContext); err != nil {
			f.logger.Warn("Ignoring malformed client context", "request ID", req.Id, "error", err)
		}
	}
	return req, nil
}

// Respond reports a successful invocation.
func (f *Function) Respond(ctx context.Context, requestID string, data []byte) error {
	return f.post(ctx, "/invocation/"+requestID+"/response", "", data)
}

// Fail reports a failed invocation.
func (f *Function) Fail(ctx context.Context, requestID string, err error) error {
	e := toErrorPayload(err)
	body, _ := json.Marshal(e)
	return f.post(ctx, "/invocation/"+requestID+"/error", e.ErrorType, body)
}

// InitError reports that the function could not start.
func (f *Function) InitError(ctx context.Context, err error) error {
	e := toErrorPayload(err)
	body, _ := json.Marshal(e)
	return f.post(ctx, "/init/error", e.ErrorType, body)
}

func (f *Function) post(ctx context.Context, path, errorType string, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if errorType != "" {
		httpReq.Header.Set("Lambda-Runtime-Function-Error-Type", errorType)
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return unexpectedStatus(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func toErrorPayload(err error) *ErrorPayload {
	var e *ErrorPayload
	if errors.As(err, &e) {
		return e
	}
	return &ErrorPayload{
		ErrorType:    strings.TrimPrefix(fmt.Sprintf("%T", err), "*"),
		ErrorMessage: err.Error(),
	}
}

func (e *ErrorPayload) Error() string {
	return e.ErrorType + ": " + e.ErrorMessage
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
