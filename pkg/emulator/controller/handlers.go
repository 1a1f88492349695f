package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/builder"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/pool"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/stats"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// HeaderRequestID lets callers choose the request id of an invocation.
const HeaderRequestID = "X-Hyperlocal-Request-Id"

type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Functions     int    `json:"functions"`
}

type FunctionSummary struct {
	Name       string `json:"name"`
	FunctionID string `json:"functionId"`
	Runtime    string `json:"runtime,omitempty"`
	SrcPath    string `json:"srcPath,omitempty"`
	Warm       bool   `json:"warm"`
	Pending    int    `json:"pending"`
	Processes  int    `json:"processes"`
}

type WorkerStatus struct {
	pool.Worker
	Metrics *stats.ProcessMetrics `json:"metrics,omitempty"`
}

type FunctionStatus struct {
	FunctionSummary
	MaxProcesses int            `json:"maxProcesses,omitempty"`
	Waiting      []string       `json:"waiting"`
	InFlight     []string       `json:"inFlight"`
	Workers      []WorkerStatus `json:"workers"`
}

type DrainResponse struct {
	FunctionID string `json:"functionId"`
	Drained    int    `json:"drained"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (c *Controller) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		Functions:     len(c.functions.List()),
	})
}

func (c *Controller) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := stats.ReadHostMetrics(r.Context())
	if err != nil {
		c.logger.Error("Failed to read host metrics", "error", err)
		c.writeError(w, http.StatusInternalServerError, "failed to read host metrics")
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (c *Controller) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	fns := c.functions.List()
	out := make([]FunctionSummary, 0, len(fns))
	for _, fn := range fns {
		out = append(out, c.summary(fn))
	}
	respondJSON(w, http.StatusOK, out)
}

func (c *Controller) summary(fn *builder.Function) FunctionSummary {
	s := FunctionSummary{
		Name:       fn.Name,
		FunctionID: fn.Key(),
		Runtime:    fn.Runtime,
		SrcPath:    fn.SrcPath,
		Warm:       c.emulator.IsWarm(fn.Key()),
	}
	// pools only exist once a function was invoked
	if snap, err := c.emulator.Snapshot(fn.Key()); err == nil {
		s.Pending = snap.Pending
		s.Processes = snap.Processes
	}
	return s
}

func (c *Controller) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn, ok := c.lookup(w, r)
	if !ok {
		return
	}
	status := FunctionStatus{
		FunctionSummary: c.summary(fn),
		MaxProcesses:    fn.MaxProcesses,
		Waiting:         []string{},
		InFlight:        []string{},
		Workers:         []WorkerStatus{},
	}
	if snap, err := c.emulator.Snapshot(fn.Key()); err == nil {
		status.Waiting = snap.Waiting
		status.InFlight = snap.InFlight
		for _, worker := range snap.Workers {
			ws := WorkerStatus{Worker: worker}
			if worker.Pid > 0 {
				m, err := stats.ReadProcessMetrics(r.Context(), worker.Pid)
				if err != nil {
					c.logger.Debug("Failed to read worker metrics", "worker ID", worker.ID, "error", err)
				} else {
					ws.Metrics = m
				}
			}
			status.Workers = append(status.Workers, ws)
		}
	}
	respondJSON(w, http.StatusOK, status)
}

func (c *Controller) handleDrain(w http.ResponseWriter, r *http.Request) {
	fn, ok := c.lookup(w, r)
	if !ok {
		return
	}
	n := c.emulator.Drain(fn.Key())
	respondJSON(w, http.StatusOK, DrainResponse{FunctionID: fn.Key(), Drained: n})
}

// handleInvoke runs the request body as the event of one invocation and
// answers with the invocation response.
func (c *Controller) handleInvoke(w http.ResponseWriter, r *http.Request) {
	fn, ok := c.lookup(w, r)
	if !ok {
		return
	}

	timeout := fn.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			c.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", v))
			return
		}
		timeout = d
	}

	event, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.writeError(w, http.StatusRequestEntityTooLarge, "event too large")
			return
		}
		c.writeError(w, http.StatusBadRequest, "failed to read event")
		return
	}
	if len(event) > 0 && !json.Valid(event) {
		c.writeError(w, http.StatusBadRequest, "event must be JSON")
		return
	}

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp := c.emulator.Invoke(ctx, fn, &pool.Payload{
		Event: event,
		Context: pool.Context{
			RequestID:       requestID,
			DeadlineEpochMs: time.Now().Add(timeout).UnixMilli(),
		},
	}, nil)

	w.Header().Set(HeaderRequestID, requestID)
	respondJSON(w, invokeStatus(resp), resp)
}

func invokeStatus(resp pool.Response) int {
	switch resp.Type {
	case pool.ResponseTimeout:
		return http.StatusGatewayTimeout
	case pool.ResponseFailure:
		if resp.Error == nil {
			return http.StatusBadGateway
		}
		switch resp.Error.ErrorType {
		case pool.ErrorTypeBackpressure:
			return http.StatusTooManyRequests
		case pool.ErrorTypeDuplicateRequest:
			return http.StatusConflict
		case pool.ErrorTypeBuildFailure, pool.ErrorTypeSpawnFailure, pool.ErrorTypeProcessCrash, pool.ErrorTypeDrained:
			return http.StatusBadGateway
		}
		// errors raised by the function itself are a valid result
		return http.StatusOK
	default:
		return http.StatusOK
	}
}

func (c *Controller) lookup(w http.ResponseWriter, r *http.Request) (*builder.Function, bool) {
	name := chi.URLParam(r, "name")
	fn, ok := c.functions.Lookup(name)
	if !ok {
		c.writeError(w, http.StatusNotFound, fmt.Sprintf("function %q not found", name))
		return nil, false
	}
	return fn, true
}

func (c *Controller) writeError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
