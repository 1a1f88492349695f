// Package mock provides an in-memory Spawner for tests.
package mock

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/process"
	"github.com/google/uuid"
)

// Behavior runs as the body of a fake process. It returns when the process should exit.
type Behavior func(p *Process)

// Spawner records every spawn and runs Behavior for each fake process.
type Spawner struct {
	mu        sync.Mutex
	processes []*Process
	// Behavior is optional; without it a process lives until killed.
	Behavior Behavior
	// Err, when set, makes every Spawn fail.
	Err error
	// KillDelay is how long a killed process takes to exit.
	KillDelay time.Duration
}

func NewSpawner(behavior Behavior) *Spawner {
	return &Spawner{Behavior: behavior}
}

func (s *Spawner) Spawn(ctx context.Context, cmd process.Command) (process.Handle, error) {
	s.mu.Lock()
	spawnErr := s.Err
	s.mu.Unlock()
	if spawnErr != nil {
		return nil, spawnErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	life, cancel := context.WithCancel(context.Background())
	p := &Process{
		ctx:     life,
		cancel:  cancel,
		id:      uuid.New().String()[:8],
		Command: cmd,
		stdout:  stdoutR,
		stderr:  stderrR,
		Out:     stdoutW,
		ErrOut:  stderrW,
		done:    make(chan struct{}),
		killed:  make(chan struct{}),
	}

	s.mu.Lock()
	s.processes = append(s.processes, p)
	behavior := s.Behavior
	p.killDelay = s.KillDelay
	s.mu.Unlock()

	if behavior != nil {
		go func() {
			behavior(p)
			p.Exit(nil)
		}()
	}
	return p, nil
}

// SetErr makes subsequent spawns fail with err.
func (s *Spawner) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Processes returns all processes spawned so far.
func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Process, len(s.processes))
	copy(out, s.processes)
	return out
}

// Count returns the number of spawns.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

// ErrKilled is the exit error of a killed fake process.
var ErrKilled = errors.New("killed")

// Process is a fake worker process.
type Process struct {
	id      string
	Command process.Command

	stdout io.ReadCloser
	stderr io.ReadCloser
	// Out and ErrOut feed the process's stdout and stderr.
	Out    *io.PipeWriter
	ErrOut *io.PipeWriter

	exitOnce sync.Once
	done     chan struct{}
	err      error

	killOnce  sync.Once
	killed    chan struct{}
	killDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is canceled once the process has exited.
func (p *Process) Context() context.Context { return p.ctx }

// WorkerID extracts the worker id from the runtime API address in the environment.
func (p *Process) WorkerID() string {
	parts := strings.Split(p.Command.Env["AWS_LAMBDA_RUNTIME_API"], "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}

// FunctionID extracts the function id from the runtime API address in the environment.
func (p *Process) FunctionID() string {
	parts := strings.Split(p.Command.Env["AWS_LAMBDA_RUNTIME_API"], "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}

// Killed is closed when Kill was called.
func (p *Process) Killed() <-chan struct{} { return p.killed }

// Exit ends the fake process with err.
func (p *Process) Exit(err error) {
	p.exitOnce.Do(func() {
		p.err = err
		p.cancel()
		_ = p.Out.Close()
		_ = p.ErrOut.Close()
		close(p.done)
	})
}

func (p *Process) ID() string            { return p.id }
func (p *Process) Pid() int              { return 0 }
func (p *Process) Stdout() io.ReadCloser { return p.stdout }
func (p *Process) Stderr() io.ReadCloser { return p.stderr }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Err() error {
	<-p.done
	return p.err
}

func (p *Process) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	if p.killDelay > 0 {
		time.AfterFunc(p.killDelay, func() { p.Exit(ErrKilled) })
		return nil
	}
	p.Exit(ErrKilled)
	return nil
}
