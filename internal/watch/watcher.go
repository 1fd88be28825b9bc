// SPDX-License-Identifier: MPL-2.0

package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/aicalamba/aicalamba/internal/fingerprint"
)

const defaultDebounce = 500 * time.Millisecond

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watch: Run called more than once")

// defaultIgnores never trigger a rebuild: VCS metadata, local build output
// and editor or OS droppings.
var defaultIgnores = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/target/**",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.DS_Store",
}

type (
	// Config holds the parameters for a Watcher.
	Config struct {
		// Dir is the build context. Empty means the working directory.
		Dir string

		// Patterns are doublestar globs (e.g. "**/*.go") relative to Dir
		// that select which files trigger a rebuild. Empty watches every
		// file the build context includes.
		Patterns []string

		// Ignore adds doublestar globs to the built-in ignores.
		Ignore []string

		// Debounce is the quiet period after the last event. Zero or
		// negative uses 500ms.
		Debounce time.Duration

		// OnChange receives the sorted paths (relative to Dir, slash
		// separated) changed during the burst. Errors are logged and the
		// watcher keeps running.
		OnChange func(ctx context.Context, changed []string) error

		// Logger receives watcher diagnostics. Nil discards them.
		Logger *log.Logger
	}

	// Watcher monitors a build context and fires a debounced callback when
	// its content changes. Run must be called exactly once.
	Watcher struct {
		cfg      Config
		fsw      *fsnotify.Watcher
		ignores  []string
		logger   *log.Logger
		debounce time.Duration
		dir      string
		started  atomic.Bool

		// ignoreRules is replaced by the event loop when .dockerignore changes.
		ignoreRules *fingerprint.Matcher

		keyMu   sync.Mutex
		lastKey fingerprint.Key
	}
)

// New creates a Watcher for cfg.Dir, records the current context
// fingerprint and registers every non-ignored directory.
func New(cfg Config) (*Watcher, error) {
	dir := cfg.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("watch: determine working directory: %w", err)
		}
		dir = wd
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", dir, err)
	}

	if err := validatePatterns(cfg.Patterns, "watch"); err != nil {
		return nil, err
	}
	if err := validatePatterns(cfg.Ignore, "ignore"); err != nil {
		return nil, err
	}

	matcher, err := fingerprint.LoadIgnore(absDir)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		cfg:         cfg,
		fsw:         fsw,
		ignores:     slices.Concat(defaultIgnores, cfg.Ignore),
		logger:      logger,
		debounce:    debounce,
		dir:         absDir,
		ignoreRules: matcher,
	}
	w.lastKey = w.sourceKey()

	if err := w.addDirectories(); err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			logger.Warn("close after init failure", "error", closeErr)
		}
		return nil, err
	}
	return w, nil
}

// Dir returns the absolute directory being watched.
func (w *Watcher) Dir() string { return w.dir }

// Run processes filesystem events until ctx is cancelled, then returns nil.
// Watcher resource exhaustion is returned as an error.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		running atomic.Bool
	)

	fire := func() {
		if ctx.Err() != nil {
			return
		}
		// One rebuild at a time; a burst arriving mid-build waits for the
		// next debounce tick.
		if !running.CompareAndSwap(false, true) {
			w.logger.Debug("rebuild in progress, deferring changes")
			mu.Lock()
			if timer != nil {
				timer.Reset(w.debounce)
			}
			mu.Unlock()
			return
		}
		defer running.Store(false)

		mu.Lock()
		if len(pending) == 0 {
			mu.Unlock()
			return
		}
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()

		if !w.contextChanged() {
			w.logger.Debug("build context unchanged", "paths", len(changed))
			return
		}
		if w.cfg.OnChange == nil {
			return
		}
		if err := w.cfg.OnChange(ctx, changed); err != nil {
			w.logger.Error("rebuild failed", "error", err)
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		if err := w.fsw.Close(); err != nil {
			w.logger.Warn("close fsnotify", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			rel, ok := w.relative(evt.Name)
			if !ok {
				continue
			}

			if rel == fingerprint.IgnoreFile {
				w.reloadIgnore()
			} else if !w.triggers(rel) {
				continue
			}

			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(evt.Name)
			}

			mu.Lock()
			pending[rel] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			if isFatalFsnotifyError(err) {
				return fmt.Errorf("watch: fatal fsnotify error: %w", err)
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

// triggers reports whether a change to rel (relative, slash separated)
// should start a rebuild.
func (w *Watcher) triggers(rel string) bool {
	if w.isIgnored(rel) || w.ignoreRules.MatchesPath(rel) {
		return false
	}
	return w.matchesPatterns(rel)
}

// contextChanged recomputes the context fingerprint and reports whether it
// differs from the last one seen.
func (w *Watcher) contextChanged() bool {
	key := w.sourceKey()
	w.keyMu.Lock()
	defer w.keyMu.Unlock()
	if key != "" && key == w.lastKey {
		return false
	}
	w.lastKey = key
	return true
}

// sourceKey returns the context fingerprint, or "" when it cannot be
// computed (an empty or half-written context), which always counts as a
// change.
func (w *Watcher) sourceKey() fingerprint.Key {
	key, err := fingerprint.SourceKey(w.dir)
	if err != nil {
		w.logger.Debug("fingerprint unavailable", "error", err)
		return ""
	}
	return key
}

func (w *Watcher) reloadIgnore() {
	matcher, err := fingerprint.LoadIgnore(w.dir)
	if err != nil {
		w.logger.Warn("keeping previous ignore rules", "file", fingerprint.IgnoreFile, "error", err)
		return
	}
	w.ignoreRules = matcher
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || rel == "." {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// addDirectories registers every directory under dir that the built-in and
// configured ignores do not exclude. Pattern and .dockerignore filtering
// happen per event.
func (w *Watcher) addDirectories() error {
	err := filepath.WalkDir(w.dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("skipping inaccessible path", "path", path, "error", walkErr)
			return nil //nolint:nilerr // unreadable directories are not watched
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.relative(path); ok && (w.isIgnored(rel) || w.isIgnored(rel+"/")) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk %s: %w", w.dir, err)
	}
	return nil
}

// maybeAddDir extends the watch to directories created after startup.
func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if rel, ok := w.relative(path); !ok || w.isIgnored(rel) || w.isIgnored(rel+"/") {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		w.logger.Warn("add new directory", "path", path, "error", err)
	}
}

func (w *Watcher) isIgnored(rel string) bool {
	return matchAny(w.ignores, rel)
}

func (w *Watcher) matchesPatterns(rel string) bool {
	return len(w.cfg.Patterns) == 0 || matchAny(w.cfg.Patterns, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if matched, err := doublestar.Match(pat, rel); err == nil && matched {
			return true
		}
	}
	return false
}

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}

func validatePatterns(patterns []string, label string) error {
	for _, pat := range patterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("watch: invalid %s pattern %q: %w", label, pat, doublestar.ErrBadPattern)
		}
	}
	return nil
}
