// Package watcher marks functions cold when their sources change so the next
// invocation rebuilds them.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/builder"
	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 800 * time.Millisecond

// Invalidator is what a source change does to a function.
type Invalidator interface {
	Invalidate(functionID string)
	Drain(functionID string) int
}

type watched struct {
	fn       *builder.Function
	patterns []string
}

type Watcher struct {
	fsw      *fsnotify.Watcher
	target   Invalidator
	debounce time.Duration
	logger   *slog.Logger
	fns      []watched
}

// New watches the source trees of fns. Container functions and functions
// without watch patterns are skipped.
func New(fns []*builder.Function, target Invalidator, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		fsw:      fsw,
		target:   target,
		debounce: debounce,
		logger:   logger.With("component", "watcher"),
	}

	for _, fn := range fns {
		patterns := watchPatterns(fn)
		if fn.SrcPath == "" || len(patterns) == 0 {
			continue
		}
		if err := w.addTree(fn.SrcPath); err != nil {
			w.logger.Warn("Could not watch function sources", "function", fn.Name, "path", fn.SrcPath, "error", err)
			continue
		}
		w.fns = append(w.fns, watched{fn: fn, patterns: patterns})
		w.logger.Debug("Watching function sources", "function", fn.Name, "path", fn.SrcPath, "patterns", patterns)
	}
	return w, nil
}

func watchPatterns(fn *builder.Function) []string {
	if len(fn.WatchPatterns) > 0 {
		return fn.WatchPatterns
	}
	runtime, err := builder.LookupRuntime(fn.Runtime)
	if err != nil || runtime.Container {
		return nil
	}
	return runtime.WatchPatterns
}

func skipDir(name string) bool {
	return name == "node_modules" || name == "vendor" || (len(name) > 1 && strings.HasPrefix(name, "."))
}

// addTree watches root and every directory below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// Run handles file events until ctx ends. Changes are batched per function and
// applied once no event arrived for the debounce interval.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	changed := make(map[string]*builder.Function)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDir(info.Name()) {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("Could not watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			matched := w.match(event.Name)
			for _, fn := range matched {
				changed[fn.Key()] = fn
			}
			if len(matched) > 0 {
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			for functionID, fn := range changed {
				w.target.Invalidate(functionID)
				n := w.target.Drain(functionID)
				w.logger.Info("Sources changed, function will rebuild on next invoke", "function", fn.Name, "function ID", functionID, "drained", n)
			}
			clear(changed)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

// match returns the functions whose sources contain path and whose patterns
// match its base name.
func (w *Watcher) match(path string) []*builder.Function {
	var out []*builder.Function
	base := filepath.Base(path)
	for _, wf := range w.fns {
		rel, err := filepath.Rel(wf.fn.SrcPath, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		for _, pattern := range wf.patterns {
			if ok, _ := filepath.Match(pattern, base); ok {
				out = append(out, wf.fn)
				break
			}
		}
	}
	return out
}
