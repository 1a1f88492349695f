package builder

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Runtime describes the launch defaults of a family of function runtimes.
type Runtime struct {
	Name string
	// Container runtimes run Function.Image instead of a host command.
	Container     bool
	WatchPatterns []string
	command       func(fn *Function) []string
}

// DefaultCommand is the worker command used when a function declares none.
func (r *Runtime) DefaultCommand(fn *Function) []string {
	if r.command == nil {
		return nil
	}
	return r.command(fn)
}

var (
	goRuntime = &Runtime{
		Name:          "go",
		WatchPatterns: []string{"*.go", "go.mod", "go.sum"},
		command: func(fn *Function) []string {
			return []string{filepath.Join(fn.SrcPath, "bootstrap")}
		},
	}
	nodeRuntime = &Runtime{
		Name:          "nodejs",
		WatchPatterns: []string{"*.js", "*.mjs", "*.ts", "package.json", "tsconfig.json"},
		command: func(fn *Function) []string {
			return []string{"node", fn.Handler}
		},
	}
	pythonRuntime = &Runtime{
		Name:          "python",
		WatchPatterns: []string{"*.py", "requirements.txt"},
		command: func(fn *Function) []string {
			return []string{"python3", fn.Handler}
		},
	}
	containerRuntime = &Runtime{
		Name:      "container",
		Container: true,
	}
)

// LookupRuntime maps a provider runtime name like go1.x, provided.al2 or
// nodejs20.x to its Runtime.
func LookupRuntime(name string) (*Runtime, error) {
	runtime := strings.ToLower(name)
	switch {
	case runtime == "" || strings.HasPrefix(runtime, "provided") || strings.HasPrefix(runtime, "go"):
		return goRuntime, nil
	case strings.HasPrefix(runtime, "node"):
		return nodeRuntime, nil
	case strings.HasPrefix(runtime, "python"):
		return pythonRuntime, nil
	case runtime == "container" || runtime == "image":
		return containerRuntime, nil
	default:
		return nil, fmt.Errorf("unsupported runtime: %s", name)
	}
}
