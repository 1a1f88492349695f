// Package dispatcher matches invocations with worker processes.
package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/builder"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/pool"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/process"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/stats"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMemoryMB = 1024
	DefaultTimeout  = 15 * time.Minute
	DefaultAccount  = "000000000000"
	DefaultRegion   = "us-east-1"

	// maxLogLine bounds a single forwarded stdout or stderr line.
	maxLogLine = 1024 * 1024
)

type Config struct {
	// RuntimeAPIAddress is the host:port workers use to reach the runtime API.
	RuntimeAPIAddress string
	// MaxQueued bounds the pending stack of every function. 0 is unbounded.
	MaxQueued int
	Region    string
}

type launchSpec struct {
	fn  *builder.Function
	env map[string]string
}

type Dispatcher struct {
	registry *pool.Registry
	builder  builder.Builder
	spawner  process.Spawner
	stats    *stats.StatsManager
	logger   *slog.Logger
	cfg      Config

	builds singleflight.Group

	mu   sync.RWMutex
	warm map[string]bool
	// generations counts invalidations per function; a build only warms the
	// function when no invalidation arrived while it ran.
	generations map[string]uint64
	// launches remembers how to spawn replacement workers per function.
	launches map[string]launchSpec
	closed   bool
}

func New(registry *pool.Registry, b builder.Builder, spawner process.Spawner, statsManager *stats.StatsManager, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	return &Dispatcher{
		registry:    registry,
		builder:     b,
		spawner:     spawner,
		stats:       statsManager,
		logger:      logger,
		cfg:         cfg,
		warm:        make(map[string]bool),
		generations: make(map[string]uint64),
		launches:    make(map[string]launchSpec),
	}
}

// Invoke runs payload on a worker of fn and waits for its outcome. The call
// ends with a timeout response when ctx ends first.
func (d *Dispatcher) Invoke(ctx context.Context, fn *builder.Function, payload *pool.Payload, env map[string]string) pool.Response {
	functionID := fn.Key()
	payload = d.complete(fn, payload)
	requestID := payload.Context.RequestID
	logger := d.logger.With("function ID", functionID, "request ID", requestID)

	if errs := d.ensureBuilt(ctx, fn); len(errs) > 0 {
		logger.Warn("Build failed, not invoking", "errors", errs)
		return pool.Failure(pool.ErrorTypeBuildFailure, strings.Join(errs, "\n"), errs)
	}

	p := d.registry.GetWithLimit(functionID, int64(fn.MaxProcesses))
	d.remember(fn, env)

	wait, err := p.Register(requestID)
	if err != nil {
		logger.Warn("Rejected invocation", "error", err)
		return pool.Failure(pool.ErrorTypeDuplicateRequest, err.Error(), nil)
	}
	d.stats.Enqueue(stats.Event().Function(functionID).Request(requestID).Invoke())

	workerID, err := p.Dispatch(payload, d.cfg.MaxQueued)
	switch {
	case errors.Is(err, pool.ErrBackpressure):
		p.Abandon(requestID)
		d.stats.Enqueue(stats.Event().Function(functionID).Request(requestID).Backpressure().Failed())
		logger.Warn("Pending queue is full", "max queued", d.cfg.MaxQueued)
		return pool.Failure(pool.ErrorTypeBackpressure, err.Error(), nil)
	case workerID != "":
		logger.Debug("Delivered payload to waiting worker", "worker ID", workerID)
	case p.TryAcquireSlot():
		if err := d.spawn(context.WithoutCancel(ctx), p, fn, env, requestID); err != nil {
			p.ReleaseSlot()
			p.Abandon(requestID)
			logger.Error("Failed to spawn worker", "error", err)
			return pool.Failure(pool.ErrorTypeSpawnFailure, err.Error(), nil)
		}
	default:
		d.stats.Enqueue(stats.Event().Function(functionID).Request(requestID).Backpressure().Success())
		logger.Debug("Process limit reached, payload queued")
	}

	select {
	case resp := <-wait:
		return resp
	case <-ctx.Done():
		p.Abandon(requestID)
		// a response may have landed right before the abandon
		select {
		case resp := <-wait:
			return resp
		default:
		}
		d.stats.Enqueue(stats.Event().Function(functionID).Request(requestID).Timeout())
		logger.Debug("Caller gave up waiting", "error", ctx.Err())
		return pool.Timeout()
	}
}

// complete copies payload and fills the context fields a worker expects.
func (d *Dispatcher) complete(fn *builder.Function, payload *pool.Payload) *pool.Payload {
	out := &pool.Payload{}
	if payload != nil {
		*out = *payload
	}
	c := &out.Context
	if c.RequestID == "" {
		c.RequestID = uuid.New().String()
	}
	if c.FunctionName == "" {
		c.FunctionName = fn.Name
	}
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = memoryOf(fn)
	}
	if c.InvokedFunctionArn == "" {
		c.InvokedFunctionArn = fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", d.cfg.Region, DefaultAccount, fn.Name)
	}
	if c.DeadlineEpochMs == 0 {
		timeout := fn.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.DeadlineEpochMs = time.Now().Add(timeout).UnixMilli()
	}
	if len(out.Event) == 0 {
		out.Event = []byte("{}")
	}
	return out
}

// ensureBuilt builds a cold function once; concurrent callers share the build.
func (d *Dispatcher) ensureBuilt(ctx context.Context, fn *builder.Function) []string {
	functionID := fn.Key()
	if d.IsWarm(functionID) {
		return nil
	}
	v, _, _ := d.builds.Do(functionID, func() (any, error) {
		if d.IsWarm(functionID) {
			return []string(nil), nil
		}
		d.mu.RLock()
		generation := d.generations[functionID]
		d.mu.RUnlock()

		start := time.Now()
		errs, err := d.builder.Build(context.WithoutCancel(ctx), fn)
		if err != nil {
			errs = append(errs, err.Error())
		}
		d.stats.Enqueue(stats.Event().Function(functionID).Build(errs))
		if len(errs) > 0 {
			return errs, nil
		}
		d.mu.Lock()
		stale := d.generations[functionID] != generation
		if !stale {
			d.warm[functionID] = true
		}
		d.mu.Unlock()
		d.logger.Info("Built function", "function ID", functionID, "name", fn.Name, "took", time.Since(start), "changed during build", stale)
		return []string(nil), nil
	})
	return v.([]string)
}

func (d *Dispatcher) remember(fn *builder.Function, env map[string]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches[fn.Key()] = launchSpec{fn: fn, env: env}
}

func (d *Dispatcher) spawn(ctx context.Context, p *pool.Pool, fn *builder.Function, env map[string]string, requestID string) error {
	cmd, err := d.builder.Resolve(ctx, fn)
	if err != nil {
		return &SpawnError{FunctionID: p.FunctionID, Err: err}
	}

	workerID := uuid.New().String()
	cmd.Env = d.workerEnv(fn, workerID, env, cmd.Env)

	p.Expect(workerID, requestID)
	h, err := d.spawner.Spawn(ctx, *cmd)
	if err != nil {
		p.Forget(workerID)
		d.stats.Enqueue(stats.Event().Function(p.FunctionID).Worker(workerID).Spawn().Failed().WithMessage(err.Error()))
		return &SpawnError{FunctionID: p.FunctionID, Err: err}
	}
	p.AddProcess(workerID, h, requestID)
	d.stats.Enqueue(stats.Event().Function(p.FunctionID).Worker(workerID).Spawn().Success())
	d.logger.Debug("Spawned worker", "function ID", p.FunctionID, "worker ID", workerID, "process", h.ID())

	go d.forward(p, workerID, h.Stdout(), false)
	go d.forward(p, workerID, h.Stderr(), true)
	go d.watch(p, workerID, h)
	return nil
}

// forward turns process output into log events tagged with the request the
// worker is executing.
func (d *Dispatcher) forward(p *pool.Pool, workerID string, r io.ReadCloser, stderr bool) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLogLine)
	for scanner.Scan() {
		event := stats.Event().Function(p.FunctionID).Worker(workerID).Request(p.CurrentRequest(workerID))
		if stderr {
			event = event.Stderr(scanner.Text())
		} else {
			event = event.Stdout(scanner.Text())
		}
		d.stats.Enqueue(event)
	}
	if err := scanner.Err(); err != nil {
		d.logger.Debug("Stopped forwarding output", "worker ID", workerID, "error", err)
	}
}

func (d *Dispatcher) watch(p *pool.Pool, workerID string, h process.Handle) {
	<-h.Done()
	cause := h.Err()
	exit := p.RemoveProcess(workerID, cause)
	p.ReleaseSlot()

	event := stats.Event().Function(p.FunctionID).Worker(workerID).Request(exit.Settled).Exit()
	if cause != nil && !exit.Drained {
		event = event.Failed().WithMessage(cause.Error())
	}
	d.stats.Enqueue(event)

	if exit.Settled != "" {
		d.logger.Warn("Worker exited during invocation", "function ID", p.FunctionID, "worker ID", workerID, "request ID", exit.Settled, "error", cause)
	} else {
		d.logger.Debug("Worker exited", "function ID", p.FunctionID, "worker ID", workerID, "drained", exit.Drained, "error", cause)
	}

	// the freed slot may be the one a queued invocation waits for, drained or not
	d.refill(p)
}

// refill spawns a worker while payloads are waiting with nobody polling.
func (d *Dispatcher) refill(p *pool.Pool) {
	requestID, needed := p.NeedsWorker()
	if !needed {
		return
	}
	d.mu.RLock()
	spec, ok := d.launches[p.FunctionID]
	closed := d.closed
	d.mu.RUnlock()
	if !ok || closed || !p.TryAcquireSlot() {
		return
	}
	if err := d.spawn(context.Background(), p, spec.fn, spec.env, requestID); err != nil {
		p.ReleaseSlot()
		d.logger.Error("Failed to spawn replacement worker", "function ID", p.FunctionID, "error", err)
	}
}

// Next hands the next payload to a polling worker. See pool.Pool.Next.
func (d *Dispatcher) Next(ctx context.Context, workerID, functionID string) (*pool.Payload, error) {
	p, ok := d.registry.Lookup(functionID)
	if !ok {
		return nil, &FunctionNotFoundError{FunctionID: functionID}
	}
	payload, err := p.Next(ctx, workerID)
	if err != nil {
		return nil, err
	}
	d.stats.Enqueue(stats.Event().Function(functionID).Worker(workerID).Request(payload.Context.RequestID).Dispatch())
	return payload, nil
}

// Requeue returns a payload that could not be delivered to workerID. The
// worker's next poll picks it up again; should the worker exit instead, its
// replacement does.
func (d *Dispatcher) Requeue(functionID, workerID string, payload *pool.Payload) bool {
	p, ok := d.registry.Lookup(functionID)
	if !ok {
		return false
	}
	requeued := p.Requeue(workerID, payload)
	if requeued {
		d.stats.Enqueue(stats.Event().Function(functionID).Worker(workerID).Request(payload.Context.RequestID).Dispatch().Failed())
	}
	return requeued
}

// Response settles requestID. Unknown or already settled requests are ignored;
// the return value tells whether a caller was still waiting.
func (d *Dispatcher) Response(functionID, requestID string, resp pool.Response) bool {
	p, ok := d.registry.Lookup(functionID)
	if !ok {
		d.logger.Debug("Response for unknown function", "function ID", functionID, "request ID", requestID)
		return false
	}
	settled := p.Resolve(requestID, resp)
	event := stats.Event().Function(functionID).Request(requestID).Response()
	if resp.Type != pool.ResponseSuccess {
		event = event.Failed()
		if resp.Error != nil {
			event = event.WithMessage(resp.Error.ErrorType + ": " + resp.Error.ErrorMessage)
		}
	}
	d.stats.Enqueue(event)
	if !settled {
		d.logger.Debug("Dropped response without waiting caller", "function ID", functionID, "request ID", requestID)
	}
	return settled
}

// InitError fails the invocation a worker could not initialize for.
func (d *Dispatcher) InitError(functionID, workerID string, e *pool.ErrorPayload) (string, bool) {
	p, ok := d.registry.Lookup(functionID)
	if !ok {
		return "", false
	}
	if e.ErrorType == "" {
		e.ErrorType = pool.ErrorTypeInitError
	}
	requestID, settled := p.InitError(workerID, e)
	d.logger.Warn("Worker failed to initialize", "function ID", functionID, "worker ID", workerID, "request ID", requestID, "error", e.ErrorMessage)
	if requestID != "" {
		d.stats.Enqueue(stats.Event().Function(functionID).Worker(workerID).Request(requestID).Response().Failed().WithMessage(e.ErrorType + ": " + e.ErrorMessage))
	}
	return requestID, settled
}

// Drain kills every worker of a function and returns how many were killed.
// Invocations those workers were executing fail with drained, queued
// payloads wait for the next worker.
func (d *Dispatcher) Drain(functionID string) int {
	p, ok := d.registry.Lookup(functionID)
	if !ok {
		return 0
	}
	handles, settled := p.Drain()

	var g errgroup.Group
	for _, h := range handles {
		g.Go(h.Kill)
	}
	if err := g.Wait(); err != nil {
		d.logger.Warn("Failed to kill worker", "function ID", functionID, "error", err)
	}

	d.stats.Enqueue(stats.Event().Function(functionID).Drain().WithMessage(fmt.Sprintf("%d workers", len(handles))))
	d.logger.Info("Drained function", "function ID", functionID, "workers", len(handles), "settled", len(settled))
	return len(handles)
}

func (d *Dispatcher) IsWarm(functionID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.warm[functionID]
}

// Invalidate marks a function cold; its next invocation rebuilds it.
func (d *Dispatcher) Invalidate(functionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.warm, functionID)
	d.generations[functionID]++
}

func (d *Dispatcher) Snapshot(functionID string) (pool.Snapshot, error) {
	p, ok := d.registry.Lookup(functionID)
	if !ok {
		return pool.Snapshot{}, &FunctionNotFoundError{FunctionID: functionID}
	}
	return p.Snapshot(), nil
}

// Close drains every function. Exiting workers are not replaced afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	for _, functionID := range d.registry.FunctionIDs() {
		d.Drain(functionID)
	}
}
