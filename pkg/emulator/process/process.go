package process

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// Command describes how to launch one worker of a function.
type Command struct {
	// Path of the executable. Ignored by container spawners.
	Path string
	Args []string
	Env  map[string]string
	// Dir is the working directory of the process.
	Dir string
	// Image is the container image for container spawners.
	Image string
}

// Environ returns Env as a sorted KEY=value list.
func (c Command) Environ() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// Handle is a live worker process.
type Handle interface {
	// ID identifies the process towards its spawner (pid, container id).
	ID() string
	// Pid is the OS process id, 0 when the process is not a host process.
	Pid() int
	// Stdout and Stderr stream the process output until it exits.
	// The reader of each stream closes it.
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err returns the exit error after Done is closed, nil on a clean exit.
	Err() error
	// Kill terminates the process. Killing an exited process is a no-op.
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, cmd Command) (Handle, error)
}

// ExitError is reported by Handle.Err when a process ends with a non-zero status.
type ExitError struct {
	ID   string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process %s exited with code %d", e.ID, e.Code)
}
