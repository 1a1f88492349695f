package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/process"
)

// CommandBuilder runs the build command a function declares and launches the
// declared (or runtime default) worker command.
type CommandBuilder struct {
	logger *slog.Logger
}

func NewCommandBuilder(logger *slog.Logger) *CommandBuilder {
	return &CommandBuilder{logger: logger}
}

func (b *CommandBuilder) Build(ctx context.Context, fn *Function) ([]string, error) {
	if len(fn.BuildCommand) == 0 {
		return nil, nil
	}
	b.logger.Info("Building function", "function", fn.Name, "command", strings.Join(fn.BuildCommand, " "))

	cmd := exec.CommandContext(ctx, fn.BuildCommand[0], fn.BuildCommand[1:]...)
	cmd.Dir = fn.SrcPath
	cmd.Env = append(os.Environ(), process.Command{Env: fn.Environment}.Environ()...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running build of %s: %w", fn.Name, err)
		}
		errs := nonEmptyLines(stderr.String())
		if len(errs) == 0 {
			errs = nonEmptyLines(stdout.String())
		}
		if len(errs) == 0 {
			errs = []string{err.Error()}
		}
		b.logger.Warn("Build failed", "function", fn.Name, "errors", len(errs))
		return errs, nil
	}

	if stdout.Len() > 0 {
		b.logger.Debug("Build output", "function", fn.Name, "output", stdout.String())
	}
	return nil, nil
}

func (b *CommandBuilder) Resolve(_ context.Context, fn *Function) (*process.Command, error) {
	rt, err := LookupRuntime(fn.Runtime)
	if err != nil && len(fn.Command) == 0 {
		return nil, err
	}

	env := make(map[string]string, len(fn.Environment))
	for k, v := range fn.Environment {
		env[k] = v
	}

	if rt != nil && rt.Container {
		if fn.Image == "" {
			return nil, fmt.Errorf("function %s has no image", fn.Name)
		}
		return &process.Command{Image: fn.Image, Args: fn.Command, Env: env}, nil
	}

	args := fn.Command
	if len(args) == 0 {
		args = rt.DefaultCommand(fn)
	}
	if len(args) == 0 || args[0] == "" {
		return nil, fmt.Errorf("function %s has no command", fn.Name)
	}

	path := args[0]
	if !filepath.IsAbs(path) && strings.ContainsRune(path, filepath.Separator) {
		path = filepath.Join(fn.SrcPath, path)
	}
	return &process.Command{Path: path, Args: args[1:], Env: env, Dir: fn.SrcPath}, nil
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
