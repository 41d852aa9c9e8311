// SPDX-License-Identifier: MPL-2.0

// Package watch re-runs a stamping pass when matching files change.
//
// It registers every directory under the root with fsnotify and
// debounces events: a burst of writes (a build tool regenerating its
// output directory) coalesces into a single callback. Events arriving
// while the callback runs are suppressed, so a pass that rewrites the
// watched files does not retrigger itself.
package watch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// defaultDebounce is the quiet period after the last filesystem event
// before the callback fires, long enough to coalesce a full rebuild.
const defaultDebounce = 500 * time.Millisecond

// defaultIgnores are always excluded, on top of caller-supplied ignore
// patterns. They cover VCS metadata and dependency caches that generate
// high-frequency noise.
var defaultIgnores = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/.DS_Store",
}

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Root is the directory tree to watch.
		Root string

		// Patterns are doublestar globs selecting which changed files
		// trigger the callback. Empty watches every non-ignored file.
		Patterns []string

		// Ignore are additional doublestar globs for paths that never
		// trigger the callback, merged with the built-in defaults.
		Ignore []string

		// Debounce overrides the quiet period; zero or negative values
		// fall back to the default.
		Debounce time.Duration

		// OnChange is invoked after the debounce window closes. Events
		// arriving while it runs are dropped, so a callback that
		// rewrites watched files does not retrigger itself.
		OnChange func(ctx context.Context) error

		// Stderr receives watcher noise (skipped paths, callback
		// errors). nil defaults to os.Stderr.
		Stderr io.Writer
	}

	// Watcher monitors a directory tree and fires a debounced callback.
	// Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		ignores  []string
		stderr   io.Writer
		debounce time.Duration
		root     string
		started  atomic.Bool
		busy     atomic.Bool
	}
)

// New creates a Watcher, resolving Root to an absolute path, validating
// all patterns, and registering every non-ignored directory under Root.
func New(cfg Config) (*Watcher, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve root: %w", err)
	}
	for _, group := range [][]string{cfg.Patterns, cfg.Ignore} {
		for _, pat := range group {
			if _, err := doublestar.Match(pat, ""); err != nil {
				return nil, fmt.Errorf("watch: invalid pattern %q: %w", pat, err)
			}
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	ignores := make([]string, 0, len(defaultIgnores)+len(cfg.Ignore))
	ignores = append(ignores, defaultIgnores...)
	ignores = append(ignores, cfg.Ignore...)

	w := &Watcher{
		cfg:      cfg,
		fsw:      fsw,
		ignores:  ignores,
		stderr:   stderr,
		debounce: debounce,
		root:     root,
	}
	if err := w.addDirectories(); err != nil {
		fsw.Close() //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return w, nil
}

// Run blocks until ctx is cancelled, dispatching debounced callbacks.
// It returns nil on clean cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("watch: Run called more than once")
	}

	var (
		mu      sync.Mutex
		pending int
		timer   *time.Timer
	)

	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if !w.busy.CompareAndSwap(false, true) {
			return
		}
		defer w.busy.Store(false)

		mu.Lock()
		if pending == 0 {
			mu.Unlock()
			return
		}
		pending = 0
		mu.Unlock()

		if w.cfg.OnChange != nil {
			if err := w.cfg.OnChange(ctx); err != nil {
				fmt.Fprintf(w.stderr, "watch: callback error: %v\n", err)
			}
		}
	}

	defer func() {
		mu.Lock()
		localTimer := timer
		mu.Unlock()
		if localTimer != nil {
			localTimer.Stop()
		}
		if err := w.fsw.Close(); err != nil {
			fmt.Fprintf(w.stderr, "watch: close fsnotify: %v\n", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watch: fsnotify event channel closed unexpectedly")
			}
			if w.busy.Load() {
				// The callback's own writes land here; swallowing them
				// keeps a stamping pass from retriggering itself.
				continue
			}
			rel, err := filepath.Rel(w.root, evt.Name)
			if err != nil {
				rel = evt.Name
			}
			if evt.Has(fsnotify.Create) {
				// Extend the watch before pattern filtering: new
				// directories rarely match file patterns themselves.
				w.maybeAddDir(evt.Name)
			}
			if w.isIgnored(rel) || !w.matches(rel) {
				continue
			}

			mu.Lock()
			pending++
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watch: fsnotify error channel closed unexpectedly")
			}
			fmt.Fprintf(w.stderr, "watch: fsnotify error: %v\n", err)
		}
	}
}

// addDirectories walks the root and registers every non-ignored
// directory. Pattern filtering happens per event, not here.
func (w *Watcher) addDirectories() error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			fmt.Fprintf(w.stderr, "watch: skipping inaccessible path %q: %v\n", path, walkErr)
			return nil //nolint:nilerr // skip inaccessible paths
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil //nolint:nilerr // skip paths that cannot be made relative
		}
		if w.isIgnored(rel) || w.isIgnored(rel+"/") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
}

// maybeAddDir extends the watch to directories created after startup.
func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || w.isIgnored(rel) || w.isIgnored(rel+"/") {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		fmt.Fprintf(w.stderr, "watch: add new directory %q: %v\n", path, err)
	}
}

func (w *Watcher) isIgnored(rel string) bool {
	normalized := filepath.ToSlash(rel)
	for _, pat := range w.ignores {
		if ok, err := doublestar.Match(pat, normalized); err == nil && ok {
			return true
		}
	}
	return false
}

func (w *Watcher) matches(rel string) bool {
	if len(w.cfg.Patterns) == 0 {
		return true
	}
	normalized := filepath.ToSlash(rel)
	for _, pat := range w.cfg.Patterns {
		if ok, err := doublestar.Match(pat, normalized); err == nil && ok {
			return true
		}
	}
	return false
}
