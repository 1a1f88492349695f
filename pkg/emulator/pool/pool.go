package pool

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/process"
	"golang.org/x/sync/semaphore"
)

// Pool holds the invocation state of one function.
// All fields are guarded by mu.
type Pool struct {
	FunctionID string

	mu sync.Mutex
	// pending is a stack, the most recent payload is served first.
	pending []*Payload
	// waiting holds the parked next call of every idle worker.
	waiting map[string]chan *Payload
	// inFlight holds the waiter of every invocation that has not been answered.
	inFlight  map[string]chan Response
	processes map[string]process.Handle
	workers   map[string]*Worker

	maxProcesses int64
	slots        *semaphore.Weighted
}

func newPool(functionID string, maxProcesses int64) *Pool {
	p := &Pool{
		FunctionID:   functionID,
		waiting:      make(map[string]chan *Payload),
		inFlight:     make(map[string]chan Response),
		processes:    make(map[string]process.Handle),
		workers:      make(map[string]*Worker),
		maxProcesses: maxProcesses,
	}
	if maxProcesses > 0 {
		p.slots = semaphore.NewWeighted(maxProcesses)
	}
	return p
}

func (p *Pool) workerLocked(workerID string) *Worker {
	w, ok := p.workers[workerID]
	if !ok {
		w = &Worker{ID: workerID, FunctionID: p.FunctionID, State: StateSpawned, StartedAt: time.Now()}
		p.workers[workerID] = w
	}
	return w
}

// Next returns the next payload for a worker. It pops the pending stack or parks
// until Dispatch hands the worker a payload, the worker is drained or ctx ends.
func (p *Pool) Next(ctx context.Context, workerID string) (*Payload, error) {
	p.mu.Lock()
	w, ok := p.workers[workerID]
	switch {
	case !ok:
		p.mu.Unlock()
		return nil, &WorkerNotFoundError{WorkerID: workerID}
	case w.State == StateTerminated:
		p.mu.Unlock()
		return nil, &WorkerDrainedError{WorkerID: workerID}
	case w.State == StateExecuting:
		p.mu.Unlock()
		return nil, &WorkerBusyError{WorkerID: workerID, RequestID: w.RequestID}
	}
	if _, parked := p.waiting[workerID]; parked {
		p.mu.Unlock()
		return nil, &WorkerBusyError{WorkerID: workerID}
	}

	if n := len(p.pending); n > 0 {
		payload := p.pending[n-1]
		p.pending[n-1] = nil
		p.pending = p.pending[:n-1]
		w.assign(payload.Context.RequestID)
		p.mu.Unlock()
		return payload, nil
	}

	ch := make(chan *Payload, 1)
	p.waiting[workerID] = ch
	w.State = StatePolling
	p.mu.Unlock()

	select {
	case payload, ok := <-ch:
		if !ok {
			return nil, &WorkerDrainedError{WorkerID: workerID}
		}
		return payload, nil
	case <-ctx.Done():
		p.mu.Lock()
		defer p.mu.Unlock()
		if cur, ok := p.waiting[workerID]; ok && cur == ch {
			delete(p.waiting, workerID)
			return nil, ctx.Err()
		}
		// Dispatch won the race: hand the payload back.
		select {
		case payload, ok := <-ch:
			if ok && payload != nil {
				p.requeueLocked(w, payload)
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// Dispatch hands payload to an arbitrary waiting worker and returns its id.
// Without a waiting worker the payload is pushed on the pending stack and the
// returned id is empty. maxQueued > 0 bounds the stack.
func (p *Pool) Dispatch(payload *Payload, maxQueued int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for workerID, ch := range p.waiting {
		delete(p.waiting, workerID)
		p.workerLocked(workerID).assign(payload.Context.RequestID)
		ch <- payload
		return workerID, nil
	}

	if maxQueued > 0 && len(p.pending) >= maxQueued {
		return "", ErrBackpressure
	}
	p.pending = append(p.pending, payload)
	return "", nil
}

// Requeue takes back a payload a worker never received, for instance because
// writing it to the worker failed. It reports whether the invocation is still
// waiting for a worker.
func (p *Pool) Requeue(workerID string, payload *Payload) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requeueLocked(p.workers[workerID], payload)
}

// requeueLocked releases w from payload and hands payload to a waiting worker
// or back onto the pending stack while its caller still waits. w may be nil.
func (p *Pool) requeueLocked(w *Worker, payload *Payload) bool {
	requestID := payload.Context.RequestID
	if w != nil && w.RequestID == requestID {
		w.release()
	}
	if _, live := p.inFlight[requestID]; !live {
		return false
	}
	for workerID, ch := range p.waiting {
		delete(p.waiting, workerID)
		p.workerLocked(workerID).assign(requestID)
		ch <- payload
		return true
	}
	p.pending = append(p.pending, payload)
	return true
}

// Register creates the waiter for requestID.
func (p *Pool) Register(requestID string) (<-chan Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[requestID]; ok {
		return nil, fmt.Errorf("%s: %w", requestID, ErrDuplicateRequest)
	}
	ch := make(chan Response, 1)
	p.inFlight[requestID] = ch
	return ch, nil
}

func (p *Pool) settleLocked(requestID string, resp Response) bool {
	ch, ok := p.inFlight[requestID]
	if !ok {
		return false
	}
	delete(p.inFlight, requestID)
	ch <- resp
	return true
}

// Resolve releases the worker executing requestID and answers its waiter.
// It reports whether a waiter was still there.
func (p *Pool) Resolve(requestID string, resp Response) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.State == StateExecuting && w.RequestID == requestID {
			w.release()
		}
	}
	return p.settleLocked(requestID, resp)
}

// Abandon forgets requestID after its caller gave up. A payload still on the
// pending stack is removed; a worker already executing it keeps running.
func (p *Pool) Abandon(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, requestID)
	p.removePendingLocked(requestID)
}

func (p *Pool) removePendingLocked(requestID string) bool {
	i := slices.IndexFunc(p.pending, func(pl *Payload) bool { return pl.Context.RequestID == requestID })
	if i < 0 {
		return false
	}
	p.pending = slices.Delete(p.pending, i, i+1)
	return true
}

// InitError fails the invocation a worker could not start. That is the
// worker's current request or, before its first poll, the request that caused
// the spawn while it is still pending.
func (p *Pool) InitError(workerID string, e *ErrorPayload) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[workerID]
	if !ok {
		return "", false
	}

	requestID := ""
	switch {
	case w.State == StateExecuting:
		requestID = w.RequestID
		w.release()
	case w.SpawnedFor != "" && p.removePendingLocked(w.SpawnedFor):
		requestID = w.SpawnedFor
	}
	if requestID == "" {
		return "", false
	}
	return requestID, p.settleLocked(requestID, Response{Type: ResponseFailure, Error: e})
}

// CurrentRequest returns the request a worker is executing, empty when idle.
func (p *Pool) CurrentRequest(workerID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[workerID]; ok {
		return w.RequestID
	}
	return ""
}

// Expect records a worker that is about to be spawned for spawnedFor, so its
// first poll is accepted even when it races AddProcess.
func (p *Pool) Expect(workerID, spawnedFor string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workerLocked(workerID).SpawnedFor = spawnedFor
}

// Forget drops an expected worker whose process could not be started.
func (p *Pool) Forget(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, live := p.processes[workerID]; !live {
		delete(p.workers, workerID)
	}
}

// AddProcess records a live process for workerID.
func (p *Pool) AddProcess(workerID string, h process.Handle, spawnedFor string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workerLocked(workerID)
	w.SpawnedFor = spawnedFor
	w.Pid = h.Pid()
	p.processes[workerID] = h
}

// Exit describes what RemoveProcess found.
type Exit struct {
	Worker Worker
	// Settled is the request failed because the process went away.
	Settled string
	// Drained is true when the worker had been drained before it exited.
	Drained bool
}

// RemoveProcess prunes an exited process. A request the worker was executing,
// or the request that spawned a worker which never polled, fails with
// process_crash.
func (p *Pool) RemoveProcess(workerID string, cause error) Exit {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.processes, workerID)
	if ch, ok := p.waiting[workerID]; ok {
		delete(p.waiting, workerID)
		close(ch)
	}
	w, ok := p.workers[workerID]
	if !ok {
		return Exit{Worker: Worker{ID: workerID, FunctionID: p.FunctionID, State: StateTerminated}}
	}
	delete(p.workers, workerID)

	exit := Exit{Drained: w.State == StateTerminated}
	message := fmt.Sprintf("worker %s exited", workerID)
	if cause != nil {
		message = fmt.Sprintf("worker %s exited: %v", workerID, cause)
	}
	crash := Failure(ErrorTypeProcessCrash, message, nil)

	switch {
	case w.State == StateExecuting:
		if p.settleLocked(w.RequestID, crash) {
			exit.Settled = w.RequestID
		}
	case w.State == StateSpawned && w.SpawnedFor != "":
		if p.removePendingLocked(w.SpawnedFor) && p.settleLocked(w.SpawnedFor, crash) {
			exit.Settled = w.SpawnedFor
		}
	}
	w.State = StateTerminated
	w.RequestID = ""
	exit.Worker = *w
	return exit
}

// Drain forgets every process of the pool and returns them for killing.
// Invocations assigned to those workers fail with drained, parked polls are
// released. The pending stack is kept.
func (p *Pool) Drain() (handles []process.Handle, settled []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		if w.State == StateExecuting && p.settleLocked(w.RequestID, Failure(ErrorTypeDrained, "worker "+w.ID+" was drained", nil)) {
			settled = append(settled, w.RequestID)
		}
		// records stay until RemoveProcess or Forget, so a worker that is
		// still starting is turned away when it polls
		w.State = StateTerminated
		w.RequestID = ""
	}
	for workerID, ch := range p.waiting {
		close(ch)
		delete(p.waiting, workerID)
	}
	for workerID, h := range p.processes {
		handles = append(handles, h)
		delete(p.processes, workerID)
	}
	sort.Strings(settled)
	return handles, settled
}

// NeedsWorker reports whether payloads are pending with nobody polling for
// them and returns the request a new worker would serve first.
func (p *Pool) NeedsWorker() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 || len(p.waiting) > 0 {
		return "", false
	}
	return p.pending[len(p.pending)-1].Context.RequestID, true
}

// TryAcquireSlot reserves room for one more process. Unbounded pools always succeed.
func (p *Pool) TryAcquireSlot() bool {
	if p.slots == nil {
		return true
	}
	return p.slots.TryAcquire(1)
}

// ReleaseSlot frees a slot taken with TryAcquireSlot.
func (p *Pool) ReleaseSlot() {
	if p.slots != nil {
		p.slots.Release(1)
	}
}

// Snapshot is a copy of the pool state.
type Snapshot struct {
	FunctionID   string   `json:"functionId"`
	Pending      int      `json:"pending"`
	Waiting      []string `json:"waiting"`
	InFlight     []string `json:"inFlight"`
	Processes    int      `json:"processes"`
	MaxProcesses int64    `json:"maxProcesses,omitempty"`
	Workers      []Worker `json:"workers"`
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		FunctionID:   p.FunctionID,
		Pending:      len(p.pending),
		Waiting:      make([]string, 0, len(p.waiting)),
		InFlight:     make([]string, 0, len(p.inFlight)),
		Processes:    len(p.processes),
		MaxProcesses: p.maxProcesses,
		Workers:      make([]Worker, 0, len(p.workers)),
	}
	for id := range p.waiting {
		s.Waiting = append(s.Waiting, id)
	}
	for id := range p.inFlight {
		s.InFlight = append(s.InFlight, id)
	}
	for _, w := range p.workers {
		s.Workers = append(s.Workers, *w)
	}
	sort.Strings(s.Waiting)
	sort.Strings(s.InFlight)
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].ID < s.Workers[j].ID })
	return s
}
