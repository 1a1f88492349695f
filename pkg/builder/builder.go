// Package builder turns function source into something a worker process can run.
package builder

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/emulator/process"
	"github.com/zeebo/blake3"
)

// Function is everything the emulator knows about one deployable function.
type Function struct {
	// ID overrides the id derived from SrcPath.
	ID       string
	Name     string
	Runtime  string
	Handler  string
	SrcPath  string
	MemoryMB int
	Timeout  time.Duration
	// Image is the container image of container functions.
	Image       string
	Environment map[string]string
	// BuildCommand runs in SrcPath before the first spawn.
	BuildCommand []string
	// Command launches one worker. Relative paths resolve against SrcPath.
	Command       []string
	MaxProcesses  int
	WatchPatterns []string
}

// Key returns the function id used to scope pools and runtime API routes.
func (f *Function) Key() string {
	if f.ID != "" {
		return f.ID
	}
	return FunctionID(f.SrcPath)
}

// FunctionID derives a short id from the normalized source path.
func FunctionID(srcPath string) string {
	sum := blake3.Sum256([]byte(filepath.ToSlash(filepath.Clean(srcPath))))
	return hex.EncodeToString(sum[:])[:8]
}

//go:generate mockgen -destination=mock/mock_builder.go -package=mock github.com/3s-rg-codes/hyperlocal/pkg/builder Builder

// Builder prepares functions and tells the emulator how to launch them.
type Builder interface {
	// Build compiles or bundles the function. Problems in the user's code are
	// returned as messages, the error is reserved for the builder itself failing.
	Build(ctx context.Context, fn *Function) ([]string, error)
	// Resolve returns the command that starts one worker of fn.
	Resolve(ctx context.Context, fn *Function) (*process.Command, error)
}
