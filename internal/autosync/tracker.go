// Package autosync keeps local copies of remote files and pushes them back
// after they change. Each tracked copy lives in its own temporary directory,
// which is watched rather than the file itself so editors that save by
// rename are still seen.
package autosync

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	dirPattern      = "sync-*"
)

var (
	ErrClosed     = errors.New("autosync: tracker closed")
	ErrNotTracked = errors.New("autosync: path is not tracked")
)

// Watcher is the subset of *fsnotify.Watcher the tracker needs.
type Watcher interface {
	Add(name string) error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Close() error
}

// Timer is a pending debounce callback.
type Timer interface {
	Stop() bool
}

type (
	WatcherFactory func() (Watcher, error)
	AfterFunc      func(d time.Duration, f func()) Timer
	// UploadFunc pushes localPath to remotePath. It is called from a timer
	// goroutine and must not block for long.
	UploadFunc func(localPath, remotePath string)
)

type fsWatcher struct {
	*fsnotify.Watcher
}

func (w fsWatcher) Events() <-chan fsnotify.Event { return w.Watcher.Events }
func (w fsWatcher) Errors() <-chan error          { return w.Watcher.Errors }

// NewFSWatcher returns a watcher backed by fsnotify.
func NewFSWatcher() (Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return fsWatcher{w}, nil
}

func timeAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config holds tracker dependencies. Zero fields get production defaults.
type Config struct {
	Dir        string
	Debounce   time.Duration
	NewWatcher WatcherFactory
	AfterFunc  AfterFunc
	Logger     zerolog.Logger
}

// Tracker owns every tracked copy of one session.
type Tracker struct {
	cfg    Config
	upload UploadFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	localPath  string
	remotePath string
	dir        string
	watcher    Watcher
	timer      Timer
	done       chan struct{}
	released   bool
}

// New creates a tracker that calls upload after a tracked copy settles.
func New(cfg Config, upload UploadFunc) *Tracker {
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.NewWatcher == nil {
		cfg.NewWatcher = NewFSWatcher
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = timeAfterFunc
	}
	return &Tracker{cfg: cfg, upload: upload, entries: make(map[string]*entry)}
}

// Prepare creates a private directory and returns the local path a copy of
// remotePath should be downloaded to.
func (t *Tracker) Prepare(remotePath string) (string, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	if err := os.MkdirAll(t.cfg.Dir, 0o700); err != nil {
		return "", fmt.Errorf("autosync: temp dir: %w", err)
	}
	dir, err := os.MkdirTemp(t.cfg.Dir, dirPattern)
	if err != nil {
		return "", fmt.Errorf("autosync: temp dir: %w", err)
	}
	return filepath.Join(dir, localName(remotePath)), nil
}

// Discard removes a prepared copy that will not be tracked.
func (t *Tracker) Discard(localPath string) {
	_ = os.RemoveAll(filepath.Dir(localPath))
}

// Track starts watching a prepared copy. On error the copy is discarded.
func (t *Tracker) Track(localPath, remotePath string) error {
	localPath = filepath.Clean(localPath)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		t.Discard(localPath)
		return ErrClosed
	}
	if old, ok := t.entries[localPath]; ok {
		t.releaseLocked(old, false)
	}

	w, err := t.cfg.NewWatcher()
	if err != nil {
		t.Discard(localPath)
		return fmt.Errorf("autosync: new watcher: %w", err)
	}
	dir := filepath.Dir(localPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		t.Discard(localPath)
		return fmt.Errorf("autosync: watch %q: %w", dir, err)
	}

	e := &entry{
		localPath:  localPath,
		remotePath: remotePath,
		dir:        dir,
		watcher:    w,
		done:       make(chan struct{}),
	}
	t.entries[localPath] = e
	go t.watch(e)

	t.cfg.Logger.Debug().Str("local", localPath).Str("remote", remotePath).Msg("tracking copy")
	return nil
}

// Untrack stops watching localPath and deletes the copy.
func (t *Tracker) Untrack(localPath string) error {
	localPath = filepath.Clean(localPath)
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[localPath]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, localPath)
	}
	t.releaseLocked(e, true)
	return nil
}

// Remote returns the remote path localPath mirrors.
func (t *Tracker) Remote(localPath string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[filepath.Clean(localPath)]
	if !ok {
		return "", false
	}
	return e.remotePath, true
}

// Len reports how many copies are tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels every pending timer, closes every watcher and deletes every
// copy. Later Track calls fail with ErrClosed.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, e := range t.entries {
		t.releaseLocked(e, true)
	}
}

func (t *Tracker) releaseLocked(e *entry, removeFiles bool) {
	if e.released {
		return
	}
	e.released = true
	close(e.done)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	_ = e.watcher.Close()
	if removeFiles {
		_ = os.RemoveAll(e.dir)
	}
	delete(t.entries, e.localPath)
}

func (t *Tracker) watch(e *entry) {
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-e.watcher.Events():
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != e.localPath {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				t.touch(e)
			}
		case err, ok := <-e.watcher.Errors():
			if !ok {
				return
			}
			t.cfg.Logger.Warn().Err(err).Str("local", e.localPath).Msg("watch error")
		}
	}
}

// touch restarts the debounce timer for e.
func (t *Tracker) touch(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.released {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = t.cfg.AfterFunc(t.cfg.Debounce, func() { t.fire(e) })
}

func (t *Tracker) fire(e *entry) {
	t.mu.Lock()
	if e.released {
		t.mu.Unlock()
		return
	}
	e.timer = nil
	t.mu.Unlock()
	t.upload(e.localPath, e.remotePath)
}

// localName picks a safe file name for a copy of remotePath.
func localName(remotePath string) string {
	name := path.Base(strings.TrimRight(remotePath, "/"))
	switch name {
	case "", ".", "..", "/":
		return "file"
	}
	return strings.ReplaceAll(name, string(os.PathSeparator), "_")
}
