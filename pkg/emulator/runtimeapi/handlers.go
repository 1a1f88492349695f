package runtimeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/dispatcher"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/pool"
	"github.com/go-chi/chi/v5"
)

const (
	HeaderRequestID          = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMs         = "Lambda-Runtime-Deadline-Ms"
	HeaderInvokedFunctionArn = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderClientContext      = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity    = "Lambda-Runtime-Cognito-Identity"
	HeaderLogGroupName       = "Lambda-Runtime-Log-Group-Name"
	HeaderLogStreamName      = "Lambda-Runtime-Log-Stream-Name"
	HeaderFunctionErrorType  = "Lambda-Runtime-Function-Error-Type"
)

// StatusResponse is the body of every accepted post.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of a refused request.
type ErrorResponse struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

// errorRequest is what runtimes post to the error routes. Some send the
// trace as stackTrace, either as lines or as frames.
type errorRequest struct {
	ErrorType    string          `json:"errorType"`
	ErrorMessage string          `json:"errorMessage"`
	Trace        []string        `json:"trace"`
	StackTrace   json.RawMessage `json:"stackTrace"`
}

type stackFrame struct {
	Path  string `json:"path"`
	Line  int32  `json:"line"`
	Label string `json:"label"`
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	functionID := chi.URLParam(r, "functionID")

	payload, err := s.dispatcher.Next(r.Context(), workerID, functionID)
	if err != nil {
		var busy *pool.WorkerBusyError
		var drained *pool.WorkerDrainedError
		var unknownWorker *pool.WorkerNotFoundError
		var unknownFunction *dispatcher.FunctionNotFoundError
		switch {
		case errors.As(err, &busy):
			s.logger.Warn("Worker polled before reporting", "worker ID", workerID, "function ID", functionID, "request ID", busy.RequestID)
			writeError(w, http.StatusConflict, "InvalidStateTransition", err.Error())
		case errors.As(err, &drained):
			writeError(w, http.StatusGone, "WorkerDrained", err.Error())
		case errors.As(err, &unknownWorker), errors.As(err, &unknownFunction):
			s.logger.Warn("Poll from unknown worker", "worker ID", workerID, "function ID", functionID)
			writeError(w, http.StatusNotFound, "ResourceNotFound", err.Error())
		case r.Context().Err() != nil:
			// the worker hung up while parked
		default:
			s.logger.Error("Failed to get next invocation", "worker ID", workerID, "function ID", functionID, "error", err)
			writeError(w, http.StatusInternalServerError, "Runtime.Unknown", err.Error())
		}
		return
	}

	c := payload.Context
	h := w.Header()
	h.Set(HeaderRequestID, c.RequestID)
	h.Set(HeaderDeadlineMs, strconv.FormatInt(c.DeadlineEpochMs, 10))
	h.Set(HeaderInvokedFunctionArn, c.InvokedFunctionArn)
	h.Set(HeaderClientContext, jsonHeader(c.ClientContext))
	h.Set(HeaderCognitoIdentity, jsonHeader(c.Identity))
	if c.LogGroupName != "" {
		h.Set(HeaderLogGroupName, c.LogGroupName)
	}
	if c.LogStreamName != "" {
		h.Set(HeaderLogStreamName, c.LogStreamName)
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload.Event); err != nil {
		requeued := s.dispatcher.Requeue(functionID, workerID, payload)
		s.logger.Warn("Failed to deliver next payload", "worker ID", workerID, "request ID", c.RequestID, "requeued", requeued, "error", err)
	}
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")
	requestID := chi.URLParam(r, "requestID")

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var data json.RawMessage
	switch {
	case len(body) == 0:
	case json.Valid(body):
		data = body
	default:
		// keep non-JSON results as a JSON string
		data, _ = json.Marshal(string(body))
	}

	s.dispatcher.Response(functionID, requestID, pool.Success(data))
	accepted(w)
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")
	requestID := chi.URLParam(r, "requestID")

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	e := parseError(body, r.Header.Get(HeaderFunctionErrorType), pool.ErrorTypeUnknown)
	s.dispatcher.Response(functionID, requestID, pool.Response{Type: pool.ResponseFailure, Error: e})
	accepted(w)
}

func (s *Server) handleInitError(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	functionID := chi.URLParam(r, "functionID")

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	e := parseError(body, r.Header.Get(HeaderFunctionErrorType), pool.ErrorTypeInitError)
	if _, settled := s.dispatcher.InitError(functionID, workerID, e); !settled {
		s.logger.Debug("Init error without a waiting invocation", "worker ID", workerID, "function ID", functionID)
	}
	accepted(w)
}

// parseError reads an error body. Bodies that are not an error object become
// the message.
func parseError(body []byte, headerType, fallbackType string) *pool.ErrorPayload {
	var req errorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		req = errorRequest{ErrorMessage: string(body)}
	}
	e := &pool.ErrorPayload{
		ErrorType:    req.ErrorType,
		ErrorMessage: req.ErrorMessage,
		Trace:        req.Trace,
	}
	if len(e.Trace) == 0 && len(req.StackTrace) > 0 {
		e.Trace = stackLines(req.StackTrace)
	}
	if e.ErrorType == "" {
		e.ErrorType = headerType
	}
	if e.ErrorType == "" {
		e.ErrorType = fallbackType
	}
	return e
}

func stackLines(raw json.RawMessage) []string {
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return lines
	}
	var frames []stackFrame
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil
	}
	for _, f := range frames {
		lines = append(lines, fmt.Sprintf("%s (%s:%d)", f.Label, f.Path, f.Line))
	}
	return lines
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "RequestEntityTooLarge", err.Error())
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "InvalidRequestContent", err.Error())
		return nil, false
	}
	return body, true
}

func jsonHeader(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func accepted(w http.ResponseWriter) {
	respondJSON(w, http.StatusAccepted, StatusResponse{Status: "OK"})
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	respondJSON(w, status, ErrorResponse{ErrorType: errorType, ErrorMessage: message})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
