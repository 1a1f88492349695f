package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Local spawns workers as child processes of the emulator.
type Local struct {
	// Grace is the time between SIGTERM and SIGKILL on Kill. Zero kills right away.
	Grace time.Duration
	// Isolated drops the emulator's own environment from the child.
	Isolated bool

	logger *slog.Logger
}

func NewLocal(grace time.Duration, logger *slog.Logger) *Local {
	return &Local{Grace: grace, logger: logger}
}

func (l *Local) Spawn(ctx context.Context, c Command) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Path == "" {
		return nil, errors.New("no executable given")
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if l.Isolated {
		cmd.Env = c.Environ()
	} else {
		cmd.Env = append(os.Environ(), c.Environ()...)
	}
	setProcessGroup(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	// the child holds its own copies of the write ends
	_ = stdoutW.Close()
	_ = stderrW.Close()

	h := &localHandle{
		cmd:    cmd,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
		grace:  l.Grace,
		logger: l.logger,
	}
	go h.wait()

	if l.logger != nil {
		l.logger.Debug("Started process", "pid", cmd.Process.Pid, "path", c.Path)
	}
	return h, nil
}

type localHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	done chan struct{}
	err  error

	grace    time.Duration
	killOnce sync.Once
	logger   *slog.Logger
}

func (h *localHandle) wait() {
	err := h.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = &ExitError{ID: h.ID(), Code: exitErr.ExitCode()}
	}
	h.err = err
	close(h.done)
}

func (h *localHandle) ID() string            { return strconv.Itoa(h.cmd.Process.Pid) }
func (h *localHandle) Pid() int              { return h.cmd.Process.Pid }
func (h *localHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *localHandle) Stderr() io.ReadCloser { return h.stderr }
func (h *localHandle) Done() <-chan struct{} { return h.done }

func (h *localHandle) Err() error {
	<-h.done
	return h.err
}

func (h *localHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Kill signals the whole process group. With a grace period it sends SIGTERM
// first and escalates to SIGKILL in the background.
func (h *localHandle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		if h.exited() {
			return
		}
		if h.grace <= 0 {
			err = h.signal(syscall.SIGKILL)
			return
		}
		if err = h.signal(syscall.SIGTERM); err != nil {
			return
		}
		go func() {
			grace := time.NewTimer(h.grace)
			defer grace.Stop()
			select {
			case <-h.done:
			case <-grace.C:
				if h.logger != nil {
					h.logger.Warn("Process did not exit after SIGTERM, sending SIGKILL", "pid", h.Pid())
				}
				_ = h.signal(syscall.SIGKILL)
			}
		}()
	})
	return err
}

func (h *localHandle) signal(sig syscall.Signal) error {
	err := signalGroup(h.cmd.Process, sig)
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal %s to %d: %w", sig, h.Pid(), err)
	}
	return nil
}
