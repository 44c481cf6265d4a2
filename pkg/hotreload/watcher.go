package hotreload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

var (
	// ErrNotRunning is returned by TriggerReload before Start or after Stop.
	ErrNotRunning = errors.New("watcher not running")
	// ErrReloadPending is returned by TriggerReload when a reload is queued.
	ErrReloadPending = errors.New("reload already pending")
)

// Loader validates and applies a changed file.
type Loader interface {
	LoadFromPath(path string) error
	Validate(path string) error
}

// FileWatcher watches a single file for changes and triggers reloads.
//
// The parent directory is watched rather than the file itself so that editors
// which replace the file with a rename are still observed.
type FileWatcher struct {
	path       string
	loader     Loader
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	onChange   func(path string, err error)
	running    atomic.Bool
	reloadChan chan string
	stats      WatcherStats
}

// WatcherStats tracks reload statistics.
type WatcherStats struct {
	mu             sync.RWMutex
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastErrorTime  time.Time `json:"last_error_time,omitempty"`
}

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	Path     string
	Loader   Loader
	Debounce time.Duration // Debounce period for rapid changes
	OnChange func(path string, err error)
}

// NewFileWatcher creates a new file watcher.
func NewFileWatcher(config WatcherConfig) (*FileWatcher, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("watched path is required")
	}

	if config.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}

	debounce := config.Debounce
	if debounce == 0 {
		debounce = 100 * time.Millisecond
	}

	abs, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", config.Path, err)
	}

	return &FileWatcher{
		path:       abs,
		loader:     config.Loader,
		debounce:   debounce,
		onChange:   config.OnChange,
		reloadChan: make(chan string, 16),
	}, nil
}

// Path returns the absolute path being watched.
func (w *FileWatcher) Path() string { return w.path }

// Start begins watching for changes. Goroutines exit when ctx is cancelled.
func (w *FileWatcher) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		w.running.Store(false)
		return fmt.Errorf("watching directory: %w", err)
	}

	go w.processEvents(ctx)
	go w.processReloads(ctx)

	return nil
}

// processEvents handles fsnotify events.
func (w *FileWatcher) processEvents(ctx context.Context) {
	var pending time.Time
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				pending = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.recordError(fmt.Sprintf("watcher error: %v", err))

		case <-ticker.C:
			if !pending.IsZero() && time.Since(pending) >= w.debounce {
				pending = time.Time{}
				select {
				case w.reloadChan <- w.path:
				default:
					// A reload is already queued.
				}
			}

		case <-ctx.Done():
			return
		}
	}
}

// processReloads handles reload requests.
func (w *FileWatcher) processReloads(ctx context.Context) {
	for {
		select {
		case path := <-w.reloadChan:
			w.handleReload(path)
		case <-ctx.Done():
			return
		}
	}
}

func (w *FileWatcher) handleReload(path string) {
	w.stats.mu.Lock()
	w.stats.ReloadsTotal++
	w.stats.mu.Unlock()

	// Validate before applying
	if err := w.loader.Validate(path); err != nil {
		w.recordError(fmt.Sprintf("invalid file %s: %v", path, err))
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	if err := w.loader.LoadFromPath(path); err != nil {
		w.recordError(fmt.Sprintf("loading %s: %v", path, err))
		if w.onChange != nil {
			w.onChange(path, err)
		}
		return
	}

	w.stats.mu.Lock()
	w.stats.ReloadsSuccess++
	w.stats.LastReload = time.Now()
	w.stats.mu.Unlock()

	if w.onChange != nil {
		w.onChange(path, nil)
	}
}

func (w *FileWatcher) recordError(err string) {
	w.stats.mu.Lock()
	w.stats.ReloadsFailed++
	w.stats.LastError = err
	w.stats.LastErrorTime = time.Now()
	w.stats.mu.Unlock()
}

// Stop stops the watcher.
func (w *FileWatcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}

	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// Stats returns the current watcher statistics.
func (w *FileWatcher) Stats() WatcherStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()
	return WatcherStats{
		ReloadsTotal:   w.stats.ReloadsTotal,
		ReloadsSuccess: w.stats.ReloadsSuccess,
		ReloadsFailed:  w.stats.ReloadsFailed,
		LastReload:     w.stats.LastReload,
		LastError:      w.stats.LastError,
		LastErrorTime:  w.stats.LastErrorTime,
	}
}

// TriggerReload queues a reload of the watched file.
func (w *FileWatcher) TriggerReload() error {
	if !w.running.Load() {
		return ErrNotRunning
	}
	select {
	case w.reloadChan <- w.path:
		return nil
	default:
		return ErrReloadPending
	}
}
