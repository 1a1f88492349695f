package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/builder"
	buildermock "github.com/3s-rg-codes/hyperlocal/pkg/builder/mock"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/pool"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/process"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/process/mock"
	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/stats"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runtimeAPI = "127.0.0.1:12557"

type fixture struct {
	d       *Dispatcher
	spawner *mock.Spawner
	builder *buildermock.MockBuilder
	stats   *stats.StatsManager
	fn      *builder.Function
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	b := buildermock.NewMockBuilder(ctrl)
	b.EXPECT().Resolve(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *builder.Function) (*process.Command, error) {
		return &process.Command{Path: "/src/echo/bootstrap", Env: map[string]string{"STAGE": "resolved"}}, nil
	}).AnyTimes()

	if cfg.RuntimeAPIAddress == "" {
		cfg.RuntimeAPIAddress = runtimeAPI
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	spawner := mock.NewSpawner(nil)
	sm := stats.NewStatsManager(logger, 10000)
	d := New(pool.NewRegistry(0), b, spawner, sm, logger, cfg)
	t.Cleanup(d.Close)

	return &fixture{
		d:       d,
		spawner: spawner,
		builder: b,
		stats:   sm,
		fn:      &builder.Function{Name: "echo", SrcPath: "/src/echo", MemoryMB: 256},
	}
}

func (f *fixture) buildsOK(times int) {
	f.builder.EXPECT().Build(gomock.Any(), f.fn).Return(nil, nil).Times(times)
}

// echoWorker answers every invocation with its event.
func (f *fixture) echoWorker() mock.Behavior {
	return func(p *mock.Process) {
		for {
			payload, err := f.d.Next(p.Context(), p.WorkerID(), p.FunctionID())
			if err != nil {
				return
			}
			f.d.Response(p.FunctionID(), payload.Context.RequestID, pool.Success(payload.Event))
		}
	}
}

// gatedWorker holds every invocation until gate is closed.
func (f *fixture) gatedWorker(gate <-chan struct{}) mock.Behavior {
	return func(p *mock.Process) {
		for {
			payload, err := f.d.Next(p.Context(), p.WorkerID(), p.FunctionID())
			if err != nil {
				return
			}
			select {
			case <-gate:
			case <-p.Context().Done():
				return
			}
			f.d.Response(p.FunctionID(), payload.Context.RequestID, pool.Success(payload.Event))
		}
	}
}

func event(id string) *pool.Payload {
	return &pool.Payload{Event: json.RawMessage(`{"id":"` + id + `"}`), Context: pool.Context{RequestID: id}}
}

func (f *fixture) invokeAsync(ctx context.Context, payload *pool.Payload) <-chan pool.Response {
	out := make(chan pool.Response, 1)
	go func() { out <- f.d.Invoke(ctx, f.fn, payload, nil) }()
	return out
}

func await(t *testing.T, ch <-chan pool.Response) pool.Response {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("invocation did not finish")
		return pool.Response{}
	}
}

func (f *fixture) snapshot(t *testing.T) pool.Snapshot {
	t.Helper()
	snap, err := f.d.Snapshot(f.fn.Key())
	require.NoError(t, err)
	return snap
}

func (f *fixture) waitFor(t *testing.T, cond func(pool.Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := f.d.Snapshot(f.fn.Key())
		return err == nil && cond(snap)
	}, 5*time.Second, 5*time.Millisecond)
}

func executing(n int) func(pool.Snapshot) bool {
	return func(s pool.Snapshot) bool {
		count := 0
		for _, w := range s.Workers {
			if w.State == pool.StateExecuting {
				count++
			}
		}
		return count == n
	}
}

func TestBuildsOncePerFunction(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = f.echoWorker()

	for i := range 3 {
		resp := f.d.Invoke(context.Background(), f.fn, event(fmt.Sprintf("r%d", i)), nil)
		require.Equal(t, pool.ResponseSuccess, resp.Type)
		assert.JSONEq(t, fmt.Sprintf(`{"id":"r%d"}`, i), string(resp.Data))
	}
	assert.True(t, f.d.IsWarm(f.fn.Key()))
}

func TestConcurrentColdInvokesShareBuild(t *testing.T) {
	f := newFixture(t, Config{})
	f.builder.EXPECT().Build(gomock.Any(), f.fn).DoAndReturn(func(context.Context, *builder.Function) ([]string, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	}).Times(1)
	f.spawner.Behavior = f.echoWorker()

	var responses []<-chan pool.Response
	for i := range 5 {
		responses = append(responses, f.invokeAsync(context.Background(), event(fmt.Sprintf("r%d", i))))
	}
	for _, ch := range responses {
		assert.Equal(t, pool.ResponseSuccess, await(t, ch).Type)
	}
}

func TestBuildFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.builder.EXPECT().Build(gomock.Any(), f.fn).Return([]string{"main.go:3: syntax error"}, nil).Times(2)

	resp := f.d.Invoke(context.Background(), f.fn, event("r1"), nil)
	require.Equal(t, pool.ResponseFailure, resp.Type)
	assert.Equal(t, pool.ErrorTypeBuildFailure, resp.Error.ErrorType)
	assert.Equal(t, []string{"main.go:3: syntax error"}, resp.Error.Trace)
	assert.Zero(t, f.spawner.Count())
	assert.False(t, f.d.IsWarm(f.fn.Key()))

	// still cold, so the next invocation builds again
	resp = f.d.Invoke(context.Background(), f.fn, event("r2"), nil)
	assert.Equal(t, pool.ErrorTypeBuildFailure, resp.Error.ErrorType)
}

func TestBuilderErrorIsBuildFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.builder.EXPECT().Build(gomock.Any(), f.fn).Return(nil, fmt.Errorf("go: not found")).Times(1)

	resp := f.d.Invoke(context.Background(), f.fn, event("r1"), nil)
	assert.Equal(t, pool.ErrorTypeBuildFailure, resp.Error.ErrorType)
	assert.Equal(t, "go: not found", resp.Error.ErrorMessage)
}

func TestIdleWorkerIsReused(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = f.echoWorker()

	resp := f.d.Invoke(context.Background(), f.fn, event("A"), nil)
	require.Equal(t, pool.ResponseSuccess, resp.Type)
	assert.Equal(t, 1, f.spawner.Count())

	f.waitFor(t, func(s pool.Snapshot) bool { return len(s.Waiting) == 1 })

	resp = f.d.Invoke(context.Background(), f.fn, event("B"), nil)
	require.Equal(t, pool.ResponseSuccess, resp.Type)
	assert.JSONEq(t, `{"id":"B"}`, string(resp.Data))
	assert.Equal(t, 1, f.spawner.Count(), "idle worker must be reused")
	assert.Equal(t, 1, f.snapshot(t).Processes)
}

func TestConcurrentInvokesSpawnOneWorkerEach(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	gate := make(chan struct{})
	f.spawner.Behavior = f.gatedWorker(gate)

	const n = 5
	var responses []<-chan pool.Response
	for i := range n {
		responses = append(responses, f.invokeAsync(context.Background(), event(fmt.Sprintf("r%d", i))))
	}
	f.waitFor(t, executing(n))
	assert.Equal(t, n, f.spawner.Count())

	close(gate)
	for _, ch := range responses {
		assert.Equal(t, pool.ResponseSuccess, await(t, ch).Type)
	}
}

func TestResponseForUnknownRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = f.echoWorker()
	require.Equal(t, pool.ResponseSuccess, f.d.Invoke(context.Background(), f.fn, event("r1"), nil).Type)

	before := f.snapshot(t)
	assert.False(t, f.d.Response(f.fn.Key(), "never-issued", pool.Success(nil)))
	assert.False(t, f.d.Response("unknown-fn", "r1", pool.Success(nil)))
	after := f.snapshot(t)
	assert.Equal(t, before.InFlight, after.InFlight)
	assert.Equal(t, before.Pending, after.Pending)
}

func TestDrainWhileIdle(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = f.echoWorker()

	require.Equal(t, pool.ResponseSuccess, f.d.Invoke(context.Background(), f.fn, event("r1"), nil).Type)
	f.waitFor(t, func(s pool.Snapshot) bool { return len(s.Waiting) == 1 })

	assert.Equal(t, 1, f.d.Drain(f.fn.Key()))
	snap := f.snapshot(t)
	assert.Zero(t, snap.Processes)
	assert.Empty(t, snap.Waiting)

	p := f.spawner.Processes()[0]
	select {
	case <-p.Killed():
	case <-time.After(time.Second):
		t.Fatal("worker was not killed")
	}
	f.waitFor(t, func(s pool.Snapshot) bool { return len(s.Workers) == 0 })

	// still warm, a new worker is spawned without building
	require.Equal(t, pool.ResponseSuccess, f.d.Invoke(context.Background(), f.fn, event("r2"), nil).Type)
	assert.Equal(t, 2, f.spawner.Count())
}

func TestDrainSettlesExecutingInvocation(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = f.gatedWorker(make(chan struct{}))

	result := f.invokeAsync(context.Background(), event("r1"))
	f.waitFor(t, executing(1))

	assert.Equal(t, 1, f.d.Drain(f.fn.Key()))
	resp := await(t, result)
	require.Equal(t, pool.ResponseFailure, resp.Type)
	assert.Equal(t, pool.ErrorTypeDrained, resp.Error.ErrorType)
	assert.Empty(t, f.snapshot(t).InFlight)
}

func TestDrainUnknownFunction(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Zero(t, f.d.Drain("nope"))
}

func TestProcessCrashSettlesInvocation(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = func(p *mock.Process) {
		if _, err := f.d.Next(p.Context(), p.WorkerID(), p.FunctionID()); err != nil {
			return
		}
		p.Exit(&process.ExitError{ID: p.ID(), Code: 2})
	}

	resp := f.d.Invoke(context.Background(), f.fn, event("r1"), nil)
	require.Equal(t, pool.ResponseFailure, resp.Type)
	assert.Equal(t, pool.ErrorTypeProcessCrash, resp.Error.ErrorType)
	assert.Contains(t, resp.Error.ErrorMessage, "code 2")
}

func TestCrashDuringInitFailsSpawningRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = func(p *mock.Process) {
		p.Exit(&process.ExitError{ID: p.ID(), Code: 127})
	}

	resp := f.d.Invoke(context.Background(), f.fn, event("r1"), nil)
	assert.Equal(t, pool.ErrorTypeProcessCrash, resp.Error.ErrorType)
	assert.Equal(t, 1, f.spawner.Count())
}

func TestCallerTimeout(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = f.gatedWorker(make(chan struct{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := f.d.Invoke(ctx, f.fn, event("r1"), nil)
	assert.Equal(t, pool.ResponseTimeout, resp.Type)
	assert.Empty(t, f.snapshot(t).InFlight)

	// the late answer of the worker is dropped
	assert.False(t, f.d.Response(f.fn.Key(), "r1", pool.Success(nil)))
}

func TestTimeoutRemovesQueuedPayload(t *testing.T) {
	f := newFixture(t, Config{})
	f.fn.MaxProcesses = 1
	f.buildsOK(1)
	f.spawner.Behavior = f.gatedWorker(make(chan struct{}))

	first := f.invokeAsync(context.Background(), event("r1"))
	f.waitFor(t, executing(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := f.d.Invoke(ctx, f.fn, event("r2"), nil)
	assert.Equal(t, pool.ResponseTimeout, resp.Type)

	snap := f.snapshot(t)
	assert.Zero(t, snap.Pending)
	assert.Equal(t, []string{"r1"}, snap.InFlight)

	f.d.Drain(f.fn.Key())
	await(t, first)
}

func TestMaxProcessesQueuesInvocations(t *testing.T) {
	f := newFixture(t, Config{})
	f.fn.MaxProcesses = 1
	f.buildsOK(1)
	gate := make(chan struct{})
	f.spawner.Behavior = f.gatedWorker(gate)

	var responses []<-chan pool.Response
	for i := range 3 {
		responses = append(responses, f.invokeAsync(context.Background(), event(fmt.Sprintf("r%d", i))))
	}
	f.waitFor(t, func(s pool.Snapshot) bool { return executing(1)(s) && s.Pending == 2 })
	assert.Equal(t, 1, f.spawner.Count())

	close(gate)
	for _, ch := range responses {
		assert.Equal(t, pool.ResponseSuccess, await(t, ch).Type)
	}
	assert.Equal(t, 1, f.spawner.Count(), "the single worker serves the queue")
}

func TestBackpressure(t *testing.T) {
	f := newFixture(t, Config{MaxQueued: 1})
	f.fn.MaxProcesses = 1
	f.buildsOK(1)
	f.spawner.Behavior = f.gatedWorker(make(chan struct{}))

	first := f.invokeAsync(context.Background(), event("r1"))
	f.waitFor(t, executing(1))
	queuedCtx, cancelQueued := context.WithCancel(context.Background())
	defer cancelQueued()
	second := f.invokeAsync(queuedCtx, event("r2"))
	f.waitFor(t, func(s pool.Snapshot) bool { return s.Pending == 1 })

	resp := f.d.Invoke(context.Background(), f.fn, event("r3"), nil)
	require.Equal(t, pool.ResponseFailure, resp.Type)
	assert.Equal(t, pool.ErrorTypeBackpressure, resp.Error.ErrorType)
	assert.NotContains(t, f.snapshot(t).InFlight, "r3")

	f.d.Drain(f.fn.Key())
	assert.Equal(t, pool.ErrorTypeDrained, await(t, first).Error.ErrorType)

	// the freed slot goes to a new worker for the queued invocation
	f.waitFor(t, func(s pool.Snapshot) bool { return executing(1)(s) && s.Pending == 0 })
	assert.Equal(t, 2, f.spawner.Count())
	cancelQueued()
	assert.Equal(t, pool.ResponseTimeout, await(t, second).Type)
}

func TestSpawnFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.SetErr(fmt.Errorf("exec: no such file"))

	resp := f.d.Invoke(context.Background(), f.fn, event("r1"), nil)
	require.Equal(t, pool.ResponseFailure, resp.Type)
	assert.Equal(t, pool.ErrorTypeSpawnFailure, resp.Error.ErrorType)
	assert.Contains(t, resp.Error.ErrorMessage, "no such file")

	snap := f.snapshot(t)
	assert.Zero(t, snap.Pending)
	assert.Empty(t, snap.InFlight)
}

func TestDuplicateRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = f.gatedWorker(make(chan struct{}))

	first := f.invokeAsync(context.Background(), event("dup"))
	f.waitFor(t, executing(1))

	resp := f.d.Invoke(context.Background(), f.fn, event("dup"), nil)
	require.Equal(t, pool.ResponseFailure, resp.Type)
	assert.Equal(t, pool.ErrorTypeDuplicateRequest, resp.Error.ErrorType)

	f.d.Drain(f.fn.Key())
	await(t, first)
}

func TestWorkerEnvironment(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = f.echoWorker()

	resp := f.d.Invoke(context.Background(), f.fn, event("r1"), map[string]string{
		"STAGE":     "caller",
		"CALLER_ID": "42",
	})
	require.Equal(t, pool.ResponseSuccess, resp.Type)

	p := f.spawner.Processes()[0]
	env := p.Command.Env
	assert.Equal(t, fmt.Sprintf("%s/%s/%s", runtimeAPI, p.WorkerID(), f.fn.Key()), env["AWS_LAMBDA_RUNTIME_API"])
	assert.Equal(t, "echo", env["AWS_LAMBDA_FUNCTION_NAME"])
	assert.Equal(t, "256", env["AWS_LAMBDA_FUNCTION_MEMORY_SIZE"])
	assert.Equal(t, "$LATEST", env["AWS_LAMBDA_FUNCTION_VERSION"])
	assert.Equal(t, "true", env["IS_LOCAL"])
	assert.Equal(t, "false", env["AWS_XRAY_SDK_ENABLED"])
	assert.Equal(t, "IGNORE_ERROR", env["AWS_XRAY_CONTEXT_MISSING"])
	assert.Equal(t, "resolved", env["STAGE"], "resolved variables win over caller variables")
	assert.Equal(t, "42", env["CALLER_ID"])
}

func TestPayloadDefaults(t *testing.T) {
	f := newFixture(t, Config{Region: "eu-west-1"})
	f.fn.Timeout = time.Minute
	f.buildsOK(1)

	received := make(chan *pool.Payload, 1)
	f.spawner.Behavior = func(p *mock.Process) {
		payload, err := f.d.Next(p.Context(), p.WorkerID(), p.FunctionID())
		if err != nil {
			return
		}
		received <- payload
		f.d.Response(p.FunctionID(), payload.Context.RequestID, pool.Success(nil))
	}

	start := time.Now()
	resp := f.d.Invoke(context.Background(), f.fn, &pool.Payload{}, nil)
	require.Equal(t, pool.ResponseSuccess, resp.Type)

	payload := <-received
	assert.NotEmpty(t, payload.Context.RequestID)
	assert.Equal(t, "echo", payload.Context.FunctionName)
	assert.Equal(t, 256, payload.Context.MemoryLimitMB)
	assert.Equal(t, "arn:aws:lambda:eu-west-1:000000000000:function:echo", payload.Context.InvokedFunctionArn)
	assert.WithinDuration(t, start.Add(time.Minute), payload.Context.Deadline(), 5*time.Second)
	assert.JSONEq(t, `{}`, string(payload.Event))
}

func TestInvalidateRebuilds(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(2)
	f.spawner.Behavior = f.echoWorker()

	require.Equal(t, pool.ResponseSuccess, f.d.Invoke(context.Background(), f.fn, event("r1"), nil).Type)
	f.d.Invalidate(f.fn.Key())
	assert.False(t, f.d.IsWarm(f.fn.Key()))
	require.Equal(t, pool.ResponseSuccess, f.d.Invoke(context.Background(), f.fn, event("r2"), nil).Type)
	assert.True(t, f.d.IsWarm(f.fn.Key()))
}

func TestLogsAreTaggedWithRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.stats.StartStreamingToListeners(ctx)
	updates := make(chan stats.StatusUpdate, 100)
	f.stats.AddListener("test", f.fn.Key(), updates)

	logged := make(chan struct{})
	f.spawner.Behavior = func(p *mock.Process) {
		payload, err := f.d.Next(p.Context(), p.WorkerID(), p.FunctionID())
		if err != nil {
			return
		}
		_, _ = p.Out.Write([]byte("handling " + payload.Context.RequestID + "\n"))
		_, _ = p.ErrOut.Write([]byte("warning\n"))
		<-logged
		f.d.Response(p.FunctionID(), payload.Context.RequestID, pool.Success(nil))
	}

	result := f.invokeAsync(context.Background(), event("r1"))

	var stdout, stderr *stats.StatusUpdate
	timeout := time.After(5 * time.Second)
	for stdout == nil || stderr == nil {
		select {
		case u := <-updates:
			switch u.Event {
			case stats.EventStdout:
				stdout = &u
			case stats.EventStderr:
				stderr = &u
			}
		case <-timeout:
			t.Fatal("log events not received")
		}
	}
	close(logged)

	assert.Equal(t, "handling r1", stdout.Message)
	assert.Equal(t, "r1", stdout.RequestID)
	assert.Equal(t, f.spawner.Processes()[0].WorkerID(), stdout.WorkerID)
	assert.Equal(t, "warning", stderr.Message)
	assert.Equal(t, "r1", stderr.RequestID)
	assert.Equal(t, pool.ResponseSuccess, await(t, result).Type)
}

func TestInitError(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = func(p *mock.Process) {
		_, _ = f.d.InitError(p.FunctionID(), p.WorkerID(), &pool.ErrorPayload{ErrorMessage: "handler not found"})
	}

	resp := f.d.Invoke(context.Background(), f.fn, event("r1"), nil)
	require.Equal(t, pool.ResponseFailure, resp.Type)
	assert.Equal(t, pool.ErrorTypeInitError, resp.Error.ErrorType)
	assert.Equal(t, "handler not found", resp.Error.ErrorMessage)
}

func TestReplacementWorkerServesQueue(t *testing.T) {
	f := newFixture(t, Config{})
	f.fn.MaxProcesses = 1
	f.buildsOK(1)

	var mu sync.Mutex
	served := map[string]string{}
	f.spawner.Behavior = func(p *mock.Process) {
		// one invocation per process, then exit
		payload, err := f.d.Next(p.Context(), p.WorkerID(), p.FunctionID())
		if err != nil {
			return
		}
		mu.Lock()
		served[payload.Context.RequestID] = p.WorkerID()
		mu.Unlock()
		f.d.Response(p.FunctionID(), payload.Context.RequestID, pool.Success(payload.Event))
	}

	first := f.invokeAsync(context.Background(), event("r1"))
	second := f.invokeAsync(context.Background(), event("r2"))
	assert.Equal(t, pool.ResponseSuccess, await(t, first).Type)
	assert.Equal(t, pool.ResponseSuccess, await(t, second).Type)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, served, 2)
	assert.NotEqual(t, served["r1"], served["r2"])
	assert.LessOrEqual(t, f.spawner.Count(), 2)
}

func TestSnapshotUnknownFunction(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.d.Snapshot("nope")
	var notFound *FunctionNotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Contains(t, err.Error(), "nope")
}

func TestInvokeAfterDrainWaitsForKilledWorker(t *testing.T) {
	f := newFixture(t, Config{})
	f.fn.MaxProcesses = 1
	f.buildsOK(1)
	f.spawner.KillDelay = 100 * time.Millisecond
	f.spawner.Behavior = func(p *mock.Process) {
		for {
			payload, err := f.d.Next(p.Context(), p.WorkerID(), p.FunctionID())
			if err != nil {
				// a turned away runtime lingers until the kill lands
				<-p.Context().Done()
				return
			}
			f.d.Response(p.FunctionID(), payload.Context.RequestID, pool.Success(payload.Event))
		}
	}

	require.Equal(t, pool.ResponseSuccess, f.d.Invoke(context.Background(), f.fn, event("A"), nil).Type)
	f.waitFor(t, func(s pool.Snapshot) bool { return len(s.Waiting) == 1 })
	assert.Equal(t, 1, f.d.Drain(f.fn.Key()))

	// the killed worker still holds the only slot, so B is queued
	second := f.invokeAsync(context.Background(), event("B"))
	f.waitFor(t, func(s pool.Snapshot) bool { return s.Pending == 1 })
	assert.Equal(t, 1, f.spawner.Count())

	resp := await(t, second)
	require.Equal(t, pool.ResponseSuccess, resp.Type)
	assert.JSONEq(t, `{"id":"B"}`, string(resp.Data))
	assert.Equal(t, 2, f.spawner.Count())
}

func TestNextRefusesUnknownCallers(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.d.Next(context.Background(), "w1", "nope")
	var fnNotFound *FunctionNotFoundError
	require.ErrorAs(t, err, &fnNotFound)
	_, err = f.d.Snapshot("nope")
	assert.ErrorAs(t, err, &fnNotFound, "a poll must not create a pool")

	f.buildsOK(1)
	f.spawner.Behavior = f.echoWorker()
	require.Equal(t, pool.ResponseSuccess, f.d.Invoke(context.Background(), f.fn, event("r1"), nil).Type)

	_, err = f.d.Next(context.Background(), "stranger", f.fn.Key())
	var workerNotFound *pool.WorkerNotFoundError
	require.ErrorAs(t, err, &workerNotFound)
	for _, w := range f.snapshot(t).Workers {
		assert.NotEqual(t, "stranger", w.ID)
	}
}

func TestInvalidateDuringBuildKeepsFunctionCold(t *testing.T) {
	f := newFixture(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	gomock.InOrder(
		f.builder.EXPECT().Build(gomock.Any(), f.fn).DoAndReturn(func(context.Context, *builder.Function) ([]string, error) {
			close(started)
			<-release
			return nil, nil
		}),
		f.builder.EXPECT().Build(gomock.Any(), f.fn).Return(nil, nil),
	)
	f.spawner.Behavior = f.echoWorker()

	first := f.invokeAsync(context.Background(), event("r1"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("build did not start")
	}
	f.d.Invalidate(f.fn.Key())
	close(release)

	assert.Equal(t, pool.ResponseSuccess, await(t, first).Type)
	assert.False(t, f.d.IsWarm(f.fn.Key()), "a change during the build must not be lost")

	require.Equal(t, pool.ResponseSuccess, f.d.Invoke(context.Background(), f.fn, event("r2"), nil).Type)
	assert.True(t, f.d.IsWarm(f.fn.Key()))
}

func TestRequeueRedeliversPayload(t *testing.T) {
	f := newFixture(t, Config{})
	f.buildsOK(1)
	f.spawner.Behavior = func(p *mock.Process) {
		payload, err := f.d.Next(p.Context(), p.WorkerID(), p.FunctionID())
		if err != nil {
			return
		}
		// the first delivery never reaches the runtime
		if !f.d.Requeue(p.FunctionID(), p.WorkerID(), payload) {
			return
		}
		payload, err = f.d.Next(p.Context(), p.WorkerID(), p.FunctionID())
		if err != nil {
			return
		}
		f.d.Response(p.FunctionID(), payload.Context.RequestID, pool.Success(payload.Event))
	}

	resp := f.d.Invoke(context.Background(), f.fn, event("r1"), nil)
	require.Equal(t, pool.ResponseSuccess, resp.Type)
	assert.JSONEq(t, `{"id":"r1"}`, string(resp.Data))
	assert.Equal(t, 1, f.spawner.Count())

	assert.False(t, f.d.Requeue("nope", "w1", event("r2")))
}
